package main

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"caltasks/internal/app"
	appLog "caltasks/internal/log"
	"caltasks/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled jobs and the status API until interrupted",
	Long: `serve keeps the process alive, starting the primary run, the backup check,
the health check and the mail pass on the cron expressions under "schedule",
and serves the status API on "listen". An empty expression disables that job.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, runServe)
	},
}

// cronLogger routes cron's own messages through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

func runServe(ctx context.Context, a *app.App) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(a.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	o := a.Orchestrator
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"primary", a.Config.Schedule.Primary, func() { o.RunPrimary(ctx) }},
		{"backup", a.Config.Schedule.Backup, func() { o.BackupCheck(ctx) }},
		{"health", a.Config.Schedule.Health, func() { o.HealthCheck(ctx) }},
		{"mail", a.Config.Schedule.Mail, func() { o.RunMail(ctx) }},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if job.name == "mail" && a.Mail == nil {
			appLog.Warn("mail schedule ignored; mail is disabled")
			continue
		}
		if _, err := c.AddFunc(job.spec, job.run); err != nil {
			return err
		}
		appLog.Info("job scheduled", "job", job.name, "spec", job.spec)
	}

	c.Start()
	err := web.StartServer(ctx, a.Config, o)

	// Wait for running jobs so their records are written before exit.
	<-c.Stop().Done()
	return err
}
