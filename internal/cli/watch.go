package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cloudsentry/api/internal/model"
	"github.com/cloudsentry/api/internal/wsclient"
)

type WatchOptions struct {
	GlobalOptions
}

func DefaultWatchOptions() *WatchOptions {
	return &WatchOptions{
		GlobalOptions: DefaultGlobalOptions(),
	}
}

func NewCmdWatch() *cobra.Command {
	o := DefaultWatchOptions()
	cmd := &cobra.Command{
		Use:   "watch ID",
		Short: "Follow the events of a job or batch until it completes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *WatchOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
}

func (o *WatchOptions) Run(ctx context.Context, out io.Writer, topic string) error {
	client := wsclient.New(wsclient.Options{URL: o.WebSocketUrl()})
	defer client.Disconnect()
	if err := client.Connect(ctx, o.Token); err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}

	w := newWatcher(out)
	sub, err := client.SubscribeToTopic(topic, w.handle)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	return w.wait(ctx, sub)
}

// watcher prints events and remembers a terminal connection failure.
type watcher struct {
	out io.Writer
	mu  sync.Mutex

	confirmed     chan struct{}
	confirmedOnce sync.Once

	failed     chan struct{}
	failedOnce sync.Once
	err        error
}

func newWatcher(out io.Writer) *watcher {
	return &watcher{out: out, confirmed: make(chan struct{}), failed: make(chan struct{})}
}

// waitConfirmed blocks until the server acknowledged the subscription.
func (w *watcher) waitConfirmed(ctx context.Context) error {
	select {
	case <-w.confirmed:
		return nil
	case <-w.failed:
		return w.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for subscription: %w", ctx.Err())
	}
}

func (w *watcher) handle(ev wsclient.Event) {
	if ev.Type == model.WSMessageTypeSubscriptionConfirmed {
		w.confirmedOnce.Do(func() { close(w.confirmed) })
		return
	}
	if ev.Type == wsclient.EventReconnectFailed {
		w.failedOnce.Do(func() {
			w.err = ev.Err
			close(w.failed)
		})
		return
	}
	if ev.Type == model.WSMessageTypeComplete && isTerminalFor(ev) {
		// printed by wait
		return
	}
	if line := describe(ev); line != "" {
		w.println(line)
	}
}

func (w *watcher) println(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, line)
}

func (w *watcher) wait(ctx context.Context, sub *wsclient.Subscription) error {
	select {
	case <-sub.Done():
		result, _ := sub.Result()
		var msg model.WSCompleteMessage
		if err := result.Decode(&msg); err != nil {
			return err
		}
		w.println(describe(result))
		if msg.Status == string(model.JobStatusFailed) || msg.Status == string(model.BatchStatusFailed) {
			return fmt.Errorf("%s failed", msg.InspectionID)
		}
		return nil
	case <-w.failed:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func describe(ev wsclient.Event) string {
	switch ev.Type {
	case model.WSMessageTypeProgress:
		var msg model.WSProgressMessage
		if ev.Decode(&msg) != nil {
			return ""
		}
		return fmt.Sprintf("job %s %3d%% %s (%d/%d steps, %d resources)", msg.InspectionID, msg.Progress.Percentage,
			msg.Progress.CurrentStep, msg.Progress.CompletedSteps, msg.Progress.TotalSteps, msg.Progress.ResourcesProcessed)
	case model.WSMessageTypeStatusChange:
		var msg model.WSStatusMessage
		if ev.Decode(&msg) != nil {
			return ""
		}
		if msg.Error != nil {
			return fmt.Sprintf("job %s %s: %s", msg.InspectionID, msg.Status, *msg.Error)
		}
		return fmt.Sprintf("job %s %s", msg.InspectionID, msg.Status)
	case model.WSMessageTypeBatchProgress:
		var msg model.WSBatchProgressMessage
		if ev.Decode(&msg) != nil {
			return ""
		}
		return fmt.Sprintf("batch %s %d/%d jobs finished", msg.BatchID, msg.CompletedCount, msg.TotalJobs)
	case model.WSMessageTypeComplete:
		var msg model.WSCompleteMessage
		if ev.Decode(&msg) != nil {
			return ""
		}
		return fmt.Sprintf("%s completed with status %s in %dms", msg.InspectionID, msg.Status, msg.Duration)
	case model.WSMessageTypeSubscriptionMoved:
		var msg model.WSSubscriptionMoved
		if ev.Decode(&msg) != nil {
			return ""
		}
		return fmt.Sprintf("following batch %s", msg.ToBatchID)
	case model.WSMessageTypeError:
		var msg model.WSErrorMessage
		if ev.Decode(&msg) != nil {
			return ""
		}
		return fmt.Sprintf("error %s: %s", msg.Code, msg.Message)
	case wsclient.EventStagnant:
		return fmt.Sprintf("%s has not progressed recently", ev.Topic)
	}
	return ""
}

func isTerminalFor(ev wsclient.Event) bool {
	var msg model.WSCompleteMessage
	if ev.Decode(&msg) != nil {
		return false
	}
	return msg.InspectionID == ev.Topic
}
