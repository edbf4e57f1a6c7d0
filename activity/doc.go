// Package activity tracks long-running operations of a server process.
//
// An Activity is a unit of work with an id, an optional parent, a scope, the
// acting user and optional progress counters. Activities live in a Registry
// for as long as the work runs, and the registry can be snapshotted at any
// time to report all of them to observers such as the web UI.
//
// # Nesting
//
// Nesting follows the context. Start returns a derived context carrying the
// new activity, and any activity started from that context becomes a child:
//
//	ctx, deploy := registry.Start(ctx, "Deploy version 1.2.0", activity.WithMax(3))
//	defer deploy.Done()
//
//	_, fetch := registry.Start(ctx, "Fetch artifacts")
//	// ... work
//	fetch.Done()
//	deploy.Step(1)
//
// Nothing is inherited implicitly by goroutines. Work handed to a goroutine
// either receives the context or is started with WithParent.
//
// # Scope and user
//
// Request handling code attaches the scope and user to the context with
// WithScope and WithUser before activities are started. Calls arriving from a
// proxy on another server carry a proxy-scope token (see WithRemoteScope),
// which is prepended to the scope of every activity started for that call.
//
// # Shadow activities
//
// Activities observed on a remote peer are mirrored into the registry as
// shadow activities (NewShadow, AddShadow). They are snapshotted like local
// ones, but cancelling them forwards the request to the peer instead of
// setting the cancel flag.
package activity
