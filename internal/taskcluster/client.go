// Package taskcluster wraps the Taskcluster queue, hooks and notify clients
// with the subset of calls the daemon needs.
package taskcluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tcclient "github.com/taskcluster/taskcluster/clients/client-go/v24"
	"github.com/taskcluster/taskcluster/clients/client-go/v24/tchooks"
	"github.com/taskcluster/taskcluster/clients/client-go/v24/tcnotify"
	"github.com/taskcluster/taskcluster/clients/client-go/v24/tcqueue"

	"github.com/hochfrequenz/pulselistener/internal/domain"
)

// ErrNotFound is returned for unknown tasks, groups and hooks
var ErrNotFound = errors.New("taskcluster resource not found")

// Client talks to a Taskcluster deployment
type Client struct {
	rootURL string
	queue   *tcqueue.Queue
	hooks   *tchooks.Hooks
	notify  *tcnotify.Notify
}

// NewClient creates a client for the deployment at rootURL
func NewClient(rootURL string, credentials Credentials) *Client {
	rootURL = strings.TrimRight(rootURL, "/")
	creds := credentials.client()
	return &Client{
		rootURL: rootURL,
		queue:   tcqueue.New(creds, rootURL),
		hooks:   tchooks.New(creds, rootURL),
		notify:  tcnotify.New(creds, rootURL),
	}
}

// TaskMetadata is the human facing part of a task definition
type TaskMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
}

// TaskDefinition is the subset of a task definition we read
type TaskDefinition struct {
	Metadata TaskMetadata `json:"metadata"`
	Payload  struct {
		Env map[string]string `json:"env,omitempty"`
	} `json:"payload"`
}

// GroupTask is one entry of a task group listing
type GroupTask struct {
	Status domain.Task    `json:"status"`
	Task   TaskDefinition `json:"task"`
}

// TaskStatus returns the current status of a task
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*domain.Task, error) {
	queue := *c.queue
	queue.Context = ctx
	resp, err := queue.Status(taskID)
	if err != nil {
		return nil, wrap("task status "+taskID, err)
	}
	task := convertStatus(resp.Status)
	return &task, nil
}

// ListTaskGroup returns every task of a group, following continuation tokens
func (c *Client) ListTaskGroup(ctx context.Context, groupID string) ([]GroupTask, error) {
	queue := *c.queue
	queue.Context = ctx

	var tasks []GroupTask
	token := ""
	for {
		page, err := queue.ListTaskGroup(groupID, token, "")
		if err != nil {
			return nil, wrap("listing task group "+groupID, err)
		}
		for _, entry := range page.Tasks {
			tasks = append(tasks, convertGroupTask(entry))
		}

		if page.ContinuationToken == "" {
			return tasks, nil
		}
		token = page.ContinuationToken
	}
}

// TriggerHook fires a hook and returns the id of the task it created
func (c *Client) TriggerHook(ctx context.Context, hookGroupID, hookID string, payload any) (string, error) {
	hooks := tcclient.Client(*c.hooks)
	hooks.Context = ctx

	var resp struct {
		Status struct {
			TaskID string `json:"taskId"`
		} `json:"status"`
	}
	route := "/hooks/" + url.QueryEscape(hookGroupID) + "/" + url.QueryEscape(hookID) + "/trigger"
	if _, _, err := hooks.APICall(payload, http.MethodPost, route, &resp, nil); err != nil {
		return "", wrap("triggering hook "+hookGroupID+"/"+hookID, err)
	}
	if resp.Status.TaskID == "" {
		return "", fmt.Errorf("hook %s/%s returned no task", hookGroupID, hookID)
	}
	return resp.Status.TaskID, nil
}

// SendEmail mails address through the notify service
func (c *Client) SendEmail(ctx context.Context, address, subject, content string) error {
	notify := *c.notify
	notify.Context = ctx
	err := notify.Email(&tcnotify.SendEmailRequest{
		Address: address,
		Subject: subject,
		Content: content,
	})
	if err != nil {
		return wrap("sending email to "+address, err)
	}
	return nil
}

// TaskURL returns the web UI address of a task
func (c *Client) TaskURL(taskID string) string {
	return c.rootURL + "/tasks/" + url.PathEscape(taskID)
}

// wrap maps a 404 to ErrNotFound and keeps the response body of other
// failed calls in the message
func wrap(op string, err error) error {
	var apiErr *tcclient.APICallException
	if !errors.As(err, &apiErr) || apiErr.CallSummary == nil || apiErr.CallSummary.HTTPResponse == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	summary := apiErr.CallSummary
	if summary.HTTPResponse.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s returned %d: %s", op, summary.HTTPResponse.StatusCode, strings.TrimSpace(summary.HTTPResponseBody))
}

func convertStatus(status tcqueue.TaskStatusStructure) domain.Task {
	task := domain.Task{
		ID:          status.TaskID,
		TaskGroupID: status.TaskGroupID,
		State:       domain.TaskState(status.State),
	}
	for _, run := range status.Runs {
		task.Runs = append(task.Runs, domain.TaskRun{
			RunID:    int(run.RunID),
			State:    domain.TaskState(run.State),
			Started:  timestamp(run.Started),
			Resolved: timestamp(run.Resolved),
		})
	}
	return task
}

// convertGroupTask keeps the string entries of the payload env. Payloads
// are worker specific and may not carry an env at all.
func convertGroupTask(entry tcqueue.TaskDefinitionAndStatus) GroupTask {
	task := GroupTask{Status: convertStatus(entry.Status)}
	task.Task.Metadata = TaskMetadata{
		Name:        entry.Task.Metadata.Name,
		Description: entry.Task.Metadata.Description,
		Source:      entry.Task.Metadata.Source,
	}

	var payload struct {
		Env map[string]any `json:"env"`
	}
	if len(entry.Task.Payload) == 0 || json.Unmarshal(entry.Task.Payload, &payload) != nil {
		return task
	}
	for key, value := range payload.Env {
		if s, ok := value.(string); ok {
			if task.Task.Payload.Env == nil {
				task.Task.Payload.Env = make(map[string]string)
			}
			task.Task.Payload.Env[key] = s
		}
	}
	return task
}

func timestamp(t tcclient.Time) *time.Time {
	v := time.Time(t)
	if v.IsZero() {
		return nil
	}
	return &v
}
