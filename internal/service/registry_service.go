package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// RegistryService owns workflow configs: admin CRUD plus config selection
// for new requests.
type RegistryService struct {
	configs ConfigStore
	log     *logger.Logger
}

// NewRegistryService creates a new RegistryService.
func NewRegistryService(configs ConfigStore, log *logger.Logger) *RegistryService {
	return &RegistryService{configs: configs, log: log}
}

// CreateConfig validates and persists a new workflow config.
func (s *RegistryService) CreateConfig(ctx context.Context, cfg *repository.WorkflowConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if err := s.configs.Create(ctx, cfg); err != nil {
		return err
	}
	s.log.Info().
		Str("config_id", cfg.ID).
		Str("entity_type", cfg.EntityType).
		Str("approval_mode", cfg.ApprovalMode).
		Int("priority", cfg.Priority).
		Msg("Workflow config created")
	return nil
}

// UpdateConfig validates and persists changes to an existing config.
// In-flight requests are unaffected: they run on snapshotted fields.
func (s *RegistryService) UpdateConfig(ctx context.Context, cfg *repository.WorkflowConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if err := s.configs.Update(ctx, cfg); err != nil {
		return err
	}
	s.log.Info().Str("config_id", cfg.ID).Msg("Workflow config updated")
	return nil
}

// GetConfig retrieves one config.
func (s *RegistryService) GetConfig(ctx context.Context, id string) (*repository.WorkflowConfig, error) {
	return s.configs.GetByID(ctx, id)
}

// ListConfigs lists configs, optionally filtered.
func (s *RegistryService) ListConfigs(ctx context.Context, entityType string, activeOnly bool) ([]*repository.WorkflowConfig, error) {
	if entityType != "" && !slices.Contains(repository.EntityTypes, entityType) {
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}
	return s.configs.List(ctx, entityType, activeOnly)
}

// DeleteConfig soft-deletes a config so historical requests stay inspectable.
func (s *RegistryService) DeleteConfig(ctx context.Context, id string) error {
	if err := s.configs.Deactivate(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("config_id", id).Msg("Workflow config deactivated")
	return nil
}

// SelectConfig returns the applicable config for a new request, or nil when
// none matches. Selection is a pure function of the active configs and the
// requester's roles, evaluated fresh on every call.
func (s *RegistryService) SelectConfig(ctx context.Context, entityType string, requesterRoles []string) (*repository.WorkflowConfig, error) {
	configs, err := s.configs.ListActiveByEntityType(ctx, entityType)
	if err != nil {
		return nil, err
	}
	return selectConfig(configs, requesterRoles), nil
}

// selectConfig walks configs in priority order and returns the first whose
// target roles are empty or intersect the requester's roles; defaults are
// the last resort.
func selectConfig(configs []*repository.WorkflowConfig, requesterRoles []string) *repository.WorkflowConfig {
	var fallback *repository.WorkflowConfig
	for _, cfg := range configs {
		if !cfg.IsActive || !targetsMatch(cfg.TargetRoleIDs, requesterRoles) {
			continue
		}
		if cfg.IsDefault {
			if fallback == nil {
				fallback = cfg
			}
			continue
		}
		return cfg
	}
	return fallback
}

func targetsMatch(targetRoles, requesterRoles []string) bool {
	if len(targetRoles) == 0 {
		return true
	}
	for _, t := range targetRoles {
		if slices.Contains(requesterRoles, t) {
			return true
		}
	}
	return false
}

// validateConfig enforces the config invariants on every write.
func validateConfig(cfg *repository.WorkflowConfig) error {
	fail := func(msg string) error {
		return errors.New(errors.ErrCodeConfigValidation, msg)
	}

	if cfg.Name == "" {
		return fail("name is required")
	}
	if !slices.Contains(repository.EntityTypes, cfg.EntityType) {
		return fail(fmt.Sprintf("unknown entity type %q", cfg.EntityType))
	}
	if cfg.MinApprovers < 1 {
		return fail("min_approvers must be at least 1")
	}
	if cfg.MaxApprovers != nil && *cfg.MaxApprovers < cfg.MinApprovers {
		return fail("max_approvers must be >= min_approvers")
	}
	if !slices.Contains(repository.ApprovalModes, cfg.ApprovalMode) {
		return fail(fmt.Sprintf("unknown approval mode %q", cfg.ApprovalMode))
	}
	if cfg.AutoAssignApprovers && len(cfg.ApproverRoleIDs) == 0 {
		return fail("auto_assign_approvers requires approver_role_ids")
	}
	if cfg.ExpirationHours != nil {
		if *cfg.ExpirationHours < 1 {
			return fail("expiration_hours must be positive")
		}
		if cfg.ExpirationAction == nil {
			return fail("expiration_action is required when expiration_hours is set")
		}
	}
	if cfg.ExpirationAction != nil && !slices.Contains(repository.ExpirationActions, *cfg.ExpirationAction) {
		return fail(fmt.Sprintf("unknown expiration action %q", *cfg.ExpirationAction))
	}
	if cfg.SendReminders {
		if cfg.ReminderHoursBefore == nil || *cfg.ReminderHoursBefore < 1 {
			return fail("send_reminders requires a positive reminder_hours_before")
		}
		if cfg.ExpirationHours == nil {
			return fail("send_reminders requires expiration_hours")
		}
	}
	if cfg.Priority < 0 {
		return fail("priority must be non-negative")
	}
	return nil
}
