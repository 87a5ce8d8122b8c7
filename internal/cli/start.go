package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cloudsentry/api/internal/model"
	"github.com/cloudsentry/api/internal/wsclient"
	"github.com/cloudsentry/api/pkg/response"
)

type StartOptions struct {
	GlobalOptions

	ServiceType   string
	CredentialRef string
	Items         []string
	Watch         bool
}

func DefaultStartOptions() *StartOptions {
	return &StartOptions{
		GlobalOptions: DefaultGlobalOptions(),
	}
}

func NewCmdStart() *cobra.Command {
	o := DefaultStartOptions()
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an inspection batch.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *StartOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.ServiceType, "service-type", "s", o.ServiceType, "Service to inspect, e.g. s3")
	fs.StringVarP(&o.CredentialRef, "credential-ref", "r", o.CredentialRef, "Role ARN to assume in the inspected account")
	fs.StringSliceVarP(&o.Items, "item", "i", o.Items, "Item to inspect, repeatable. All items when omitted.")
	fs.BoolVarP(&o.Watch, "watch", "w", o.Watch, "Follow the batch until it completes")
}

func (o *StartOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.ServiceType == "" {
		return fmt.Errorf("--service-type is required")
	}
	if o.CredentialRef == "" {
		return fmt.Errorf("--credential-ref is required")
	}
	return nil
}

func (o *StartOptions) Run(ctx context.Context, out io.Writer) error {
	req := model.StartInspectionRequest{
		ServiceType:   o.ServiceType,
		CredentialRef: o.CredentialRef,
		Config:        model.InspectionConfig{SelectedItems: o.Items},
	}

	if !o.Watch {
		resp, err := o.start(ctx, &req)
		if err != nil {
			return err
		}
		return printJSON(out, resp)
	}

	// Subscribe under a provisional id first, the server moves it to the batch
	// once the batch exists, so no event is missed.
	client := wsclient.New(wsclient.Options{URL: o.WebSocketUrl()})
	defer client.Disconnect()
	if err := client.Connect(ctx, o.Token); err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}

	req.Config.InspectionID = uuid.New().String()
	w := newWatcher(out)
	sub, err := client.SubscribeToTopic(req.Config.InspectionID, w.handle)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	confirmCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	if err := w.waitConfirmed(confirmCtx); err != nil {
		return err
	}

	resp, err := o.start(ctx, &req)
	if err != nil {
		return err
	}
	w.println(fmt.Sprintf("batch %s started with %d jobs", resp.BatchID, len(resp.Jobs)))

	return w.wait(ctx, sub)
}

func (o *StartOptions) start(ctx context.Context, req *model.StartInspectionRequest) (*model.StartInspectionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.ServerUrl+"/api/inspections/start", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.Token)

	res, err := o.HTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("starting inspection: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusAccepted {
		return nil, responseError(res.StatusCode, data)
	}

	var resp model.StartInspectionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding start response: %w", err)
	}
	return &resp, nil
}

func responseError(status int, data []byte) error {
	var body response.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
		return fmt.Errorf("server returned %d %s: %s", status, body.Error.Code, body.Error.Message)
	}
	return fmt.Errorf("server returned %d", status)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
