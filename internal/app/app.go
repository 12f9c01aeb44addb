// Package app assembles the pipeline processes. Each constructor builds one
// Service with its store, processors and HTTP surfaces; nothing is global and
// everything runs under the context passed to Run.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/creditflow/internal/card"
	"github.com/drblury/creditflow/internal/client"
	"github.com/drblury/creditflow/internal/events"
	"github.com/drblury/creditflow/internal/proposal"
	"github.com/drblury/creditflow/internal/runtime"
	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/storage"
	"github.com/drblury/creditflow/internal/storage/stores"
	transportpkg "github.com/drblury/creditflow/transport"
	_ "github.com/drblury/creditflow/transport/transports"
)

// Consumer names.
const (
	ConsumerProposal = "proposal-analyzer"
	ConsumerCard     = "card-issuer"
)

// Role names a pipeline process.
type Role string

const (
	RoleIntake   Role = "intake"
	RoleProposal Role = "proposal"
	RoleCard     Role = "card"
	// RoleLocal runs every stage in one process over the channel transport.
	RoleLocal Role = "local"
)

// Options carries the collaborators a process is built from. Only Config is
// required.
type Options struct {
	Config *configpkg.Config
	Logger loggingpkg.ServiceLogger

	// Driver replaces the store selected by Config.Store. It is not closed
	// by the process.
	Driver storage.Driver
	// Transport and Registry are handed to runtime.NewService.
	Transport *transportpkg.Transport
	Registry  *transportpkg.Registry

	Scorer    proposal.Scorer
	Generator *card.Generator
	Hooks     runtime.DeliveryHooks

	MetricsRegisterer prometheus.Registerer
	MetricsGatherer   prometheus.Gatherer
}

// Process is one assembled pipeline process.
type Process struct {
	Role    Role
	Service *runtime.Service
	// Clients is set for roles that serve the intake API.
	Clients *client.Service

	driver     storage.Driver
	ownsDriver bool
}

// New builds the process for role.
func New(ctx context.Context, role Role, opts Options) (*Process, error) {
	if opts.Config == nil {
		return nil, errors.New("app: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.Discard()
	}
	if role == RoleLocal {
		local := *opts.Config
		local.PubSubSystem = "channel"
		opts.Config = &local
	}

	p := &Process{Role: role}
	if err := p.openDriver(ctx, opts); err != nil {
		return nil, err
	}

	svc, err := runtime.NewService(ctx, opts.Config, opts.Logger.With(loggingpkg.LogFields{"role": string(role)}), runtime.ServiceDependencies{
		Hooks:             opts.Hooks,
		Registry:          opts.Registry,
		Transport:         opts.Transport,
		MetricsRegisterer: opts.MetricsRegisterer,
		MetricsGatherer:   opts.MetricsGatherer,
	})
	if err != nil {
		_ = p.closeStore()
		return nil, err
	}
	p.Service = svc

	if err := p.wire(role, opts); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Process) wire(role Role, opts Options) error {
	switch role {
	case RoleIntake:
		return p.wireIntake(opts)
	case RoleProposal:
		return p.wireProposal(opts)
	case RoleCard:
		return p.wireCard(opts)
	case RoleLocal:
		return errors.Join(p.wireIntake(opts), p.wireProposal(opts), p.wireCard(opts))
	default:
		return fmt.Errorf("app: unknown role %q", role)
	}
}

func (p *Process) wireIntake(opts Options) error {
	logger := p.Service.Logger.With(loggingpkg.LogFields{"stage": "intake"})
	p.Clients = client.NewService(client.NewStore(p.driver), p.Service, logger)
	if opts.Config.HTTPAddr == "" {
		return nil
	}
	return p.Service.RegisterHTTPHandler(opts.Config.HTTPAddr, "/", client.NewHandler(p.Clients, logger).Routes())
}

func (p *Process) wireProposal(opts Options) error {
	processor := proposal.NewProcessor(
		proposal.NewStore(p.driver),
		p.Service,
		opts.Scorer,
		p.Service.Logger.With(loggingpkg.LogFields{"stage": "proposal"}),
	)
	return runtime.RegisterConsumer(p.Service, runtime.ConsumerRegistration[*events.ClientCreated]{
		Name:       ConsumerProposal,
		RoutingKey: events.RoutingKeyClientCreated,
		Processor:  processor,
	})
}

func (p *Process) wireCard(opts Options) error {
	processor := card.NewProcessor(
		card.NewStore(p.driver),
		opts.Generator,
		p.Service.Logger.With(loggingpkg.LogFields{"stage": "card"}),
	)
	return runtime.RegisterConsumer(p.Service, runtime.ConsumerRegistration[*events.ProposalApproved]{
		Name:       ConsumerCard,
		RoutingKey: events.RoutingKeyProposalApproved,
		Processor:  processor,
	})
}

func (p *Process) openDriver(ctx context.Context, opts Options) error {
	if opts.Driver != nil {
		p.driver = opts.Driver
		return nil
	}
	d, err := stores.Open(ctx, opts.Config)
	if err != nil {
		return err
	}
	p.driver = d
	p.ownsDriver = true
	return nil
}

// Driver returns the store the process writes to.
func (p *Process) Driver() storage.Driver { return p.driver }

// Run starts the process and blocks until ctx is done or the service fails.
// The process is closed on return.
func (p *Process) Run(ctx context.Context) error {
	defer func() { _ = p.Close() }()
	return p.Service.Start(ctx)
}

// Close releases the transport and, when the process opened it, the store.
func (p *Process) Close() error {
	var errs []error
	if p.Service != nil {
		errs = append(errs, p.Service.Close())
	}
	errs = append(errs, p.closeStore())
	return errors.Join(errs...)
}

func (p *Process) closeStore() error {
	if !p.ownsDriver || p.driver == nil {
		return nil
	}
	p.ownsDriver = false
	return p.driver.Close()
}
