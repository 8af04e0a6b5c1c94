// Package policy loads, validates, and reloads named resilience
// policies from external sources.
//
// A Source produces the desired set of policies; the Engine diffs that
// set against what is installed, bumps versions on changed policies,
// and pushes the result into a Registrar such as the resilience
// Facade. Reloads are atomic per policy: a policy that fails
// validation is rejected without touching the installed version, and
// an installed policy is only ever replaced wholesale.
//
//	src := policy.NewFileSource("policies.yaml")
//	eng, err := policy.NewEngine(src, policy.WithRegistrar(facade))
//	if err != nil { ... }
//	if err := eng.Reload(ctx); err != nil { ... }
//	go eng.Watch(ctx)
package policy
