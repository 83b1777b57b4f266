// Package settings manages provider and preset records plus the key/value
// application storage.
package settings

import (
	"context"

	"github.com/sirupsen/logrus"

	"lmclient/internal/events"
	"lmclient/internal/llm"
	"lmclient/internal/store"
)

// Service exposes provider/preset CRUD with change notifications and model
// discovery against a provider's endpoint.
type Service struct {
	store  *store.Store
	client *llm.Client
	bus    *events.Bus
	log    *logrus.Entry
}

// NewService creates a Service.
func NewService(st *store.Store, client *llm.Client, bus *events.Bus, log *logrus.Entry) *Service {
	return &Service{store: st, client: client, bus: bus, log: log}
}

// Providers

func (s *Service) AddProvider(ctx context.Context, p *store.Provider) (*store.Provider, error) {
	saved, err := s.store.AddProvider(ctx, p)
	if err != nil {
		return nil, err
	}
	s.bus.Dispatch(events.ProvidersUpdated())
	return saved, nil
}

func (s *Service) GetProvider(ctx context.Context, id int64) (*store.Provider, error) {
	return s.store.GetProvider(ctx, id)
}

func (s *Service) GetProviders(ctx context.Context) ([]*store.Provider, error) {
	return s.store.GetProviders(ctx)
}

func (s *Service) UpdateProvider(ctx context.Context, p *store.Provider) error {
	if err := s.store.UpdateProvider(ctx, p); err != nil {
		return err
	}
	s.bus.Dispatch(events.ProvidersUpdated())
	return nil
}

func (s *Service) DeleteProvider(ctx context.Context, id int64) error {
	if err := s.store.DeleteProvider(ctx, id); err != nil {
		return err
	}
	s.bus.Dispatch(events.ProvidersUpdated())
	return nil
}

// GetModels lists the models a provider's endpoint serves.
func (s *Service) GetModels(ctx context.Context, providerID int64) ([]string, error) {
	provider, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	models, err := s.client.Models(ctx, provider)
	if err != nil {
		s.log.WithField("provider", provider.Name).Errorf("failed to list models: %v", err)
		return nil, err
	}
	return models, nil
}

// Presets

func (s *Service) AddPreset(ctx context.Context, p *store.Preset) (*store.Preset, error) {
	saved, err := s.store.AddPreset(ctx, p)
	if err != nil {
		return nil, err
	}
	s.bus.Dispatch(events.PresetsUpdated())
	return saved, nil
}

func (s *Service) GetPreset(ctx context.Context, id int64) (*store.Preset, error) {
	return s.store.GetPreset(ctx, id)
}

func (s *Service) GetPresets(ctx context.Context) ([]*store.Preset, error) {
	return s.store.GetPresets(ctx)
}

func (s *Service) UpdatePreset(ctx context.Context, p *store.Preset) error {
	if err := s.store.UpdatePreset(ctx, p); err != nil {
		return err
	}
	s.bus.Dispatch(events.PresetsUpdated())
	return nil
}

func (s *Service) DeletePreset(ctx context.Context, id int64) error {
	if err := s.store.DeletePreset(ctx, id); err != nil {
		return err
	}
	s.bus.Dispatch(events.PresetsUpdated())
	return nil
}

// Storage

func (s *Service) GetValue(ctx context.Context, key string) (string, error) {
	return s.store.GetSetting(ctx, key)
}

func (s *Service) SetValue(ctx context.Context, key, value string) error {
	return s.store.SetSetting(ctx, key, value)
}

func (s *Service) DeleteValue(ctx context.Context, key string) error {
	return s.store.DeleteSetting(ctx, key)
}
