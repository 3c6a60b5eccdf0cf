package octoflow

import "context"

// Notifier pushes change hints to interested parties (websocket hubs, user
// inboxes). Calls are best-effort: the runtime logs failures and moves on.
type Notifier interface {
	NotifyInstance(ctx context.Context, instance *WorkflowInstance) error
	NotifyInstancesChanged(ctx context.Context, tenantID string) error
	NotifyUser(ctx context.Context, tenantID, userID string) error
	NotifyTenant(ctx context.Context, tenantID string) error
}

type NoopNotifier struct{}

func (NoopNotifier) NotifyInstance(context.Context, *WorkflowInstance) error { return nil }
func (NoopNotifier) NotifyInstancesChanged(context.Context, string) error    { return nil }
func (NoopNotifier) NotifyUser(context.Context, string, string) error        { return nil }
func (NoopNotifier) NotifyTenant(context.Context, string) error              { return nil }
