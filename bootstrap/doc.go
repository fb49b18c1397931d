// Package bootstrap wires aegis together: logger, configuration, SQLite
// repositories, optional Redis, threat intel, notification sinks, the action
// registry, the playbook engine and the service that runs it.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, bootstrap.Options{ConfigFile: path})
//	if err != nil {
//	    return err
//	}
//	defer app.Close()
//
//	exec, err := app.Service.CreateExecution(ctx, playbookID, req)
//
// The worker built by NewWorker drains PENDING executions and serves
// /metrics and /healthz until its context is cancelled.
package bootstrap
