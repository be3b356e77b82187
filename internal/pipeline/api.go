package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

const (
	EndpointUser           = "/v2/user"
	EndpointTeams          = "/v2/teams"
	EndpointProjects       = "/v9/projects"
	EndpointDeployments    = "/v13/deployments"
	EndpointDomains        = "/v5/domains"
	endpointProjectDomains = "/v10/projects/{projectName}/domains"
)

// Deployment ready states reported by the platform.
const (
	ReadyStateQueued   = "QUEUED"
	ReadyStateBuilding = "BUILDING"
	ReadyStateReady    = "READY"
	ReadyStateError    = "ERROR"
	ReadyStateCanceled = "CANCELED"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccountID string `json:"accountId,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

type DeploymentFile struct {
	File string `json:"file"`
	Data string `json:"data"`
}

type DeploymentRequest struct {
	Name   string           `json:"name"`
	Files  []DeploymentFile `json:"files"`
	Target string           `json:"target,omitempty"`
	Public bool             `json:"public,omitempty"`
}

type Deployment struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Name       string `json:"name,omitempty"`
	ReadyState string `json:"readyState"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
}

type Domain struct {
	Name     string `json:"name"`
	Verified bool   `json:"verified,omitempty"`
}

func (c *Client) teamQuery() url.Values {
	teamID := ""
	if c.session != nil {
		teamID = c.session.TeamID()
	}
	if teamID == "" {
		return nil
	}
	return url.Values{"teamId": []string{teamID}}
}

func (c *Client) GetUser(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.Do(ctx, EndpointUser, RequestOptions{}, &out)
	return out, err
}

func (c *Client) GetTeams(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.Do(ctx, EndpointTeams, RequestOptions{}, &out)
	return out, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	err := c.Do(ctx, EndpointProjects, RequestOptions{Query: c.teamQuery()}, &out)
	return out.Projects, err
}

func (c *Client) GetProject(ctx context.Context, name string) (Project, error) {
	var out Project
	err := c.Do(ctx, EndpointProjects+"/"+url.PathEscape(name), RequestOptions{Query: c.teamQuery()}, &out)
	return out, err
}

func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	var out Project
	err := c.Do(ctx, EndpointProjects, RequestOptions{
		Method: http.MethodPost,
		Query:  c.teamQuery(),
		Body:   map[string]string{"name": name},
	}, &out)
	return out, err
}

func (c *Client) DeleteProject(ctx context.Context, name string) error {
	return c.Do(ctx, EndpointProjects+"/"+url.PathEscape(name), RequestOptions{
		Method: http.MethodDelete,
		Query:  c.teamQuery(),
	}, nil)
}

func (c *Client) CreateDeployment(ctx context.Context, req DeploymentRequest) (Deployment, error) {
	var out Deployment
	err := c.Do(ctx, EndpointDeployments, RequestOptions{
		Method: http.MethodPost,
		Query:  c.teamQuery(),
		Body:   req,
	}, &out)
	return out, err
}

func (c *Client) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	var out Deployment
	err := c.Do(ctx, EndpointDeployments+"/"+url.PathEscape(id), RequestOptions{Query: c.teamQuery()}, &out)
	return out, err
}

func (c *Client) ListDomains(ctx context.Context) ([]Domain, error) {
	var out struct {
		Domains []Domain `json:"domains"`
	}
	err := c.Do(ctx, EndpointDomains, RequestOptions{Query: c.teamQuery()}, &out)
	return out.Domains, err
}

func (c *Client) AddProjectDomain(ctx context.Context, projectName, domain string) (Domain, error) {
	var out Domain
	err := c.Do(ctx, projectDomainsEndpoint(projectName), RequestOptions{
		Method: http.MethodPost,
		Query:  c.teamQuery(),
		Body:   map[string]string{"name": domain},
	}, &out)
	return out, err
}

func (c *Client) RemoveProjectDomain(ctx context.Context, projectName, domain string) error {
	return c.Do(ctx, projectDomainsEndpoint(projectName)+"/"+url.PathEscape(domain), RequestOptions{
		Method: http.MethodDelete,
		Query:  c.teamQuery(),
	}, nil)
}

func projectDomainsEndpoint(projectName string) string {
	return strings.Replace(endpointProjectDomains, "{projectName}", url.PathEscape(projectName), 1)
}
