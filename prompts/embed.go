package prompts

import _ "embed"

//go:embed tools/ocr.md
var OCRPrompt string

//go:embed tools/locator.md
var LocatorPrompt string

//go:embed loop/planner_system.md
var PlannerSystemPrompt string

//go:embed loop/planner.md.tmpl
var PlannerTemplate string

//go:embed loop/reflector_system.md
var ReflectorSystemPrompt string

//go:embed loop/reflector.md.tmpl
var ReflectorTemplate string

//go:embed loop/aggregator_system.md
var AggregatorSystemPrompt string

//go:embed loop/aggregator.md.tmpl
var AggregatorTemplate string
