package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_AmountThreshold(t *testing.T) {
	ok, err := EvaluateBool("data.amount > 1000", map[string]any{"amount": 1500})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool("data.amount > 1000", map[string]any{"amount": 500})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = EvaluateBool("data.amount > 1000", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_Operators(t *testing.T) {
	data := map[string]any{
		"decision": "approved",
		"amount":   float64(250),
		"count":    int64(3),
		"user":     map[string]any{"name": "Ada", "roles": []any{"admin", "dev"}},
		"items":    []any{float64(1), float64(2), float64(3)},
		"limit":    "300",
	}
	cases := []struct {
		expr string
		want any
	}{
		{`decision == "approved"`, true},
		{`data.decision != 'rejected'`, true},
		{`amount * 2 + 1`, float64(501)},
		{`count % 2`, float64(1)},
		{`amount < limit`, true},
		{`user.name == "Ada" && len(user.roles) == 2`, true},
		{`contains(user.roles, "dev")`, true},
		{`items[1]`, float64(2)},
		{`items.length`, float64(3)},
		{`user["name"]`, "Ada"},
		{`!missing`, true},
		{`missing == null`, true},
		{`amount > 100 ? "big" : "small"`, "big"},
		{`"total: " + amount`, "total: 250"},
		{`amount > 100 and not (decision == "rejected")`, true},
		{`-amount`, float64(-250)},
		{`upper(user.name)`, "ADA"},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Evaluate(tc.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluate_MissingValuesAreUndefined(t *testing.T) {
	v, err := Evaluate("data.a.b.c", map[string]any{})
	require.NoError(t, err)
	assert.True(t, IsUndefined(v))
	assert.False(t, Truthy(v))

	v, err = Evaluate("data.a + 1", nil)
	require.NoError(t, err)
	assert.True(t, IsUndefined(v))

	v, err = Evaluate("10 / 0", nil)
	require.NoError(t, err)
	assert.True(t, IsUndefined(v))
}

func TestEvaluate_SyntaxErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"data.amount >",
		"a = 1",
		"(a == b",
		"'unterminated",
		"nosuchfn(1)",
		"len(1, 2)",
		"a ? b",
		"a.",
		"#",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr, nil)
			var evalErr *EvalError
			assert.ErrorAs(t, err, &evalErr)
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	data := map[string]any{"x": float64(7)}
	first, err := Evaluate("x * 3 > 20 && x < 10", data)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Evaluate("x * 3 > 20 && x < 10", data)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRender(t *testing.T) {
	data := map[string]any{"name": "Grace", "amount": float64(12.5), "n": float64(3)}

	out, err := Render("Hello {{data.name}}", data)
	require.NoError(t, err)
	assert.Equal(t, "Hello Grace", out)

	out, err = Render("{{ name }} owes {{amount}} for {{n}} items{{missing}}", data)
	require.NoError(t, err)
	assert.Equal(t, "Grace owes 12.5 for 3 items", out)

	_, err = Render("Hello {{data.name", data)
	assert.Error(t, err)

	out, err = Render("no placeholders", nil)
	require.NoError(t, err)
	assert.Equal(t, "no placeholders", out)
}

func TestRenderValue_KeepsRawType(t *testing.T) {
	data := map[string]any{"list": []any{"a"}, "n": float64(2)}
	v, err := RenderValue("{{ list }}", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, v)

	v, err = RenderValue("n={{n}}", data)
	require.NoError(t, err)
	assert.Equal(t, "n=2", v)

	v, err = RenderValue("{{ missing }}", data)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRender_BracesInsideStringLiterals(t *testing.T) {
	data := map[string]any{"name": "Grace"}

	out, err := Render(`a{{ "}}" }}b`, data)
	require.NoError(t, err)
	assert.Equal(t, "a}}b", out)

	out, err = Render(`{{ name == 'x}}' ? 'no' : name }}!`, data)
	require.NoError(t, err)
	assert.Equal(t, "Grace!", out)

	out, err = Render(`{{ "say \"}}\"" }}`, data)
	require.NoError(t, err)
	assert.Equal(t, `say "}}"`, out)

	_, err = Render(`{{ "}} }}`, data)
	assert.Error(t, err, "unterminated string swallows the closing braces")

	v, err := RenderValue(`{{ "}}" }}`, data)
	require.NoError(t, err)
	assert.Equal(t, "}}", v)
}

func TestRunScript_ConvertsResults(t *testing.T) {
	data := map[string]any{"amount": 60.0, "items": []any{"a", "b"}, "owner": map[string]any{"name": "Grace"}}

	v, err := RunScript(context.Background(), `data["amount"] * 2`, data)
	require.NoError(t, err)
	assert.Equal(t, 120.0, v)

	v, err = RunScript(context.Background(), `len(data["items"])`, data)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v, "integers come back as float64")

	v, err = RunScript(context.Background(), `data["items"]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)

	v, err = RunScript(context.Background(), "m := {\"who\": data[\"owner\"][\"name\"], \"ok\": true}\nm", data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"who": "Grace", "ok": true}, v)

	v, err = RunScript(context.Background(), "nil", data)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRunScript_CannotAliasData(t *testing.T) {
	data := map[string]any{"items": []any{"a"}, "owner": map[string]any{"name": "Grace"}}

	_, err := RunScript(context.Background(), "data[\"owner\"][\"name\"] = \"Ada\"\ndata[\"items\"].append(\"b\")\nnil", data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Grace"}, data["owner"])
	assert.Equal(t, []any{"a"}, data["items"])
}

func TestRunScript_Errors(t *testing.T) {
	_, err := CompileScript("x := {")
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)

	_, err = RunScript(context.Background(), `"a" + 1`, nil)
	assert.ErrorAs(t, err, &serr)

	for _, denied := range []string{"os", "http", "exec", "rand", "time"} {
		_, err := CompileScript(denied + ".x")
		assert.Error(t, err, denied)
	}
}

func TestCompileScript_Cached(t *testing.T) {
	a, err := CompileScript(`data["n"] + 1`)
	require.NoError(t, err)
	b, err := CompileScript(`data["n"] + 1`)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, `data["n"] + 1`, a.Source())
}
