package pipeline

import "context"

// ProgressFunc is called after each item of a batch, successful or not.
type ProgressFunc func(done, total int, name string)

type BatchFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// DeleteProjects deletes each project in turn. Failures are collected, not
// returned; only context cancellation stops the batch early.
func (c *Client) DeleteProjects(ctx context.Context, names []string, onProgress ProgressFunc) (BatchResult, error) {
	result := BatchResult{Succeeded: []string{}, Failed: []BatchFailure{}}
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := c.DeleteProject(ctx, name); err != nil {
			result.Failed = append(result.Failed, BatchFailure{Name: name, Error: err.Error()})
		} else {
			result.Succeeded = append(result.Succeeded, name)
		}
		if onProgress != nil {
			onProgress(i+1, len(names), name)
		}
	}
	return result, nil
}

// DeployToProjects publishes the same files to several projects.
func (c *Client) DeployToProjects(ctx context.Context, projects []string, template DeploymentRequest, onProgress ProgressFunc) (BatchResult, error) {
	result := BatchResult{Succeeded: []string{}, Failed: []BatchFailure{}}
	for i, name := range projects {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		req := template
		req.Name = name
		if _, err := c.CreateDeployment(ctx, req); err != nil {
			result.Failed = append(result.Failed, BatchFailure{Name: name, Error: err.Error()})
		} else {
			result.Succeeded = append(result.Succeeded, name)
		}
		if onProgress != nil {
			onProgress(i+1, len(projects), name)
		}
	}
	return result, nil
}
