package features

import (
	"flag"
	"os"
	"testing"

	"flowpilot/features/steps"
	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
)

var opts = godog.Options{
	Output: colors.Colored(os.Stdout),
	Format: "progress",
	Paths:  []string{"."},
	Strict: true,
}

func init() {
	godog.BindCommandLineFlags("godog.", &opts)
}

// TestMain runs the Gherkin scenarios before the regular tests.
func TestMain(m *testing.M) {
	flag.Parse()
	if args := flag.Args(); len(args) > 0 {
		opts.Paths = args
	}

	status := godog.TestSuite{
		Name:                "flowpilot",
		ScenarioInitializer: InitializeScenario,
		Options:             &opts,
	}.Run()

	if st := m.Run(); st > status {
		status = st
	}
	os.Exit(status)
}

// InitializeScenario gives every scenario a fresh in-memory engine.
func InitializeScenario(ctx *godog.ScenarioContext) {
	steps.NewEngineTestContext("../definitions").RegisterSteps(ctx)
}
