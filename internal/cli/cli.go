// Package cli wires the daemon together: configuration, logging, the model
// registry, the mail gateway, the broker, the expiry loop, and the HTTP
// listeners.
package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/simbatch/queued/internal/config"
	"github.com/simbatch/queued/internal/mail"
	"github.com/simbatch/queued/internal/metrics"
	"github.com/simbatch/queued/internal/model"
	"github.com/simbatch/queued/internal/queue"
	"github.com/simbatch/queued/internal/server"
	"github.com/simbatch/queued/pkg/types"
)

// BuildCLI constructs the root command. The daemon runs directly off the
// root; there are no subcommands.
func BuildCLI() *cobra.Command {
	var (
		configFile string
		port       int
		logFile    string
	)

	cmd := &cobra.Command{
		Use:   "queued",
		Short: "Job-queue coordinator for batch model evaluation",
		Long: `queued brokers model-evaluation requests between a web front-end and a
pool of polling workers: submissions wait behind an emailed confirmation
code, confirmed tasks queue up for workers, and tasks whose worker stops
heartbeating are recycled or failed back to the user by email.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, port, logFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "config.cfg", "config file path")
	cmd.Flags().IntVarP(&port, "port", "p", 9000, "queue port number")
	cmd.Flags().StringVarP(&logFile, "log", "l", "-", "log filename ('-' for stderr)")

	return cmd
}

func run(configFile string, port int, logFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(logFile); err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	renderConfirm, err := buildConfirmRenderer(&cfg.Email)
	if err != nil {
		return err
	}

	var sender mail.Sender = mail.DiscardSender{}
	if cfg.Email.Enabled {
		sender = mail.NewSMTPSender(
			cfg.Email.SMTP.Host,
			cfg.Email.SMTP.Port,
			cfg.Email.SMTP.From,
			cfg.Email.SMTP.Username,
			cfg.Email.SMTP.Password,
		)
	} else {
		log.Warn("email disabled, outbound messages will be discarded")
	}
	gateway := mail.NewGateway(sender, cfg.Email.QueueSize)
	gateway.Start()
	defer gateway.Stop()

	stats := metrics.NewCollector(prometheus.DefaultRegisterer)

	brokerCfg := queue.Config{
		ConfirmTimeout:     cfg.Queue.ConfirmTimeout.Std(),
		KeepAliveInterval:  cfg.Queue.KeepAliveInterval.Std(),
		KeepAliveTimeout:   cfg.Queue.KeepAliveTimeout.Std(),
		MaxJobFailures:     cfg.Queue.MaxJobFailures,
		ConfirmedCacheSize: cfg.Queue.ConfirmedCacheSize,
	}

	ids := queue.NewIDAllocator()
	tasks := queue.NewTaskQueue()
	confirmations := queue.NewConfirmationMap(brokerCfg.ConfirmTimeout)

	broker, err := queue.NewBroker(brokerCfg, ids, tasks, confirmations, gateway, stats, renderConfirm)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	expiry := queue.NewExpiryLoop(brokerCfg, tasks, ids, confirmations, gateway, stats)
	expiry.Start()
	defer expiry.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			log.WithField("port", cfg.Metrics.Port).Info("starting metrics server")
			if err := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer); err != nil {
				log.WithField("error", err).Error("metrics server failed")
			}
		}()
	}

	srv := &http.Server{
		Handler:      server.New(broker, registry).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Bind before declaring ourselves up so a taken port is a startup
	// failure, not a background error.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	log.WithField("port", port).Info("queue server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("received shutdown signal, stopping gracefully")
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("http shutdown did not complete cleanly")
	}

	log.Info("queue server stopped")
	return nil
}

func setupLogging(logFile string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if logFile == "-" {
		log.SetOutput(os.Stderr)
		return nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return nil
}

// buildRegistry parses the failure templates and registers every model
// declared in the configuration.
func buildRegistry(cfg *config.Config) (*model.Registry, error) {
	failureSubject, err := template.New("failure_subject").Parse(cfg.Email.FailureSubject)
	if err != nil {
		return nil, fmt.Errorf("invalid failure_subject template: %w", err)
	}
	failureBody, err := template.New("failure_body").Parse(cfg.Email.FailureBody)
	if err != nil {
		return nil, fmt.Errorf("invalid failure_body template: %w", err)
	}

	registry := model.NewRegistry(failureSubject, failureBody)
	for _, mc := range cfg.Models {
		params := make([]model.Parameter, 0, len(mc.Parameters))
		for _, pc := range mc.Parameters {
			params = append(params, buildParameter(pc))
		}
		if err := registry.Register(model.NewModel(mc.Name, mc.Version, params...)); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"model":   mc.Name,
			"version": mc.Version,
		}).Info("registered model")
	}
	return registry, nil
}

func buildParameter(pc config.ParameterConfig) model.Parameter {
	switch pc.Type {
	case "float":
		return model.NewFloatParameter(pc.Name, pc.Description, pc.Units, pc.Min, pc.Max)
	case "integer":
		var min, max *int64
		if pc.Min != nil {
			v := int64(*pc.Min)
			min = &v
		}
		if pc.Max != nil {
			v := int64(*pc.Max)
			max = &v
		}
		return model.NewIntegerParameter(pc.Name, pc.Description, pc.Units, min, max)
	case "range":
		return model.NewRangeParameter(pc.Name, pc.Description, pc.Units, pc.Start, pc.End, pc.Step)
	default:
		return model.NewStringParameter(pc.Name, pc.Description, pc.Units)
	}
}

// confirmEmailData is the payload handed to the confirmation templates.
type confirmEmailData struct {
	Code   string
	To     string
	Expiry time.Duration
	Task   map[string]interface{}
}

// buildConfirmRenderer binds the confirmation templates into the renderer
// the broker calls on every submission.
func buildConfirmRenderer(cfg *config.EmailConfig) (queue.ConfirmRenderer, error) {
	subjectTmpl, err := template.New("confirm_subject").Parse(cfg.ConfirmSubject)
	if err != nil {
		return nil, fmt.Errorf("invalid confirm_subject template: %w", err)
	}
	bodyTmpl, err := template.New("confirm_body").Parse(cfg.ConfirmBody)
	if err != nil {
		return nil, fmt.Errorf("invalid confirm_body template: %w", err)
	}

	return func(task *types.Task, code string, expiry time.Duration) types.Email {
		data := confirmEmailData{
			Code:   code,
			To:     task.Payload.EmailAddress(),
			Expiry: expiry,
			Task:   task.Encode(),
		}
		var subject, body strings.Builder
		if err := subjectTmpl.Execute(&subject, data); err != nil {
			log.WithField("error", err).Error("confirm subject template failed")
			subject.Reset()
			subject.WriteString("Confirm your model run")
		}
		if err := bodyTmpl.Execute(&body, data); err != nil {
			log.WithField("error", err).Error("confirm body template failed")
			body.Reset()
			body.WriteString("Your confirmation code is " + code)
		}
		return types.Email{
			To:      data.To,
			Subject: subject.String(),
			Body:    body.String(),
		}
	}, nil
}
