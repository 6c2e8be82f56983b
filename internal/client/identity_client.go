package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// IdentityClient talks to the platform identity service over HTTP. It
// implements service.RoleDirectory plus the dynamic role resolvers for
// requester-relative approver roles.
type IdentityClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityClient creates an IdentityClient for the given base URL.
func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IdentityClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetUsersWithRole returns the user IDs holding a role.
func (c *IdentityClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	var out struct {
		UserIDs []string `json:"user_ids"`
	}
	path := fmt.Sprintf("/api/v1/roles/%s/users", url.PathEscape(role))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

// GetUserRoles returns the role IDs a user holds.
func (c *IdentityClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	var out struct {
		RoleIDs []string `json:"role_ids"`
	}
	path := fmt.Sprintf("/api/v1/users/%s/roles", url.PathEscape(userID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.RoleIDs, nil
}

// relativeLookup resolves a requester-relative position (department manager,
// service coordinator) via the identity org endpoints.
func (c *IdentityClient) relativeLookup(ctx context.Context, userID, relation string) ([]string, error) {
	var out struct {
		UserIDs []string `json:"user_ids"`
	}
	path := fmt.Sprintf("/api/v1/users/%s/%s", url.PathEscape(userID), relation)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

func (c *IdentityClient) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build identity request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "identity service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown user/role resolves to an empty set, not a failure.
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("identity service returned status %d for %s", resp.StatusCode, path))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode identity response")
	}
	return nil
}

// ── dynamic role resolvers ───────────────────────────────────────────────────

// DepartmentManagerResolver resolves the manager of the requester's
// department.
type DepartmentManagerResolver struct {
	identity *IdentityClient
}

// NewDepartmentManagerResolver creates the resolver.
func NewDepartmentManagerResolver(identity *IdentityClient) *DepartmentManagerResolver {
	return &DepartmentManagerResolver{identity: identity}
}

// Resolve returns the requester's department manager(s).
func (r *DepartmentManagerResolver) Resolve(ctx context.Context, requesterID string) ([]string, error) {
	return r.identity.relativeLookup(ctx, requesterID, "department-manager")
}

// ServiceCoordinatorResolver resolves the coordinator of the requester's
// service.
type ServiceCoordinatorResolver struct {
	identity *IdentityClient
}

// NewServiceCoordinatorResolver creates the resolver.
func NewServiceCoordinatorResolver(identity *IdentityClient) *ServiceCoordinatorResolver {
	return &ServiceCoordinatorResolver{identity: identity}
}

// Resolve returns the requester's service coordinator(s).
func (r *ServiceCoordinatorResolver) Resolve(ctx context.Context, requesterID string) ([]string, error) {
	return r.identity.relativeLookup(ctx, requesterID, "service-coordinator")
}
