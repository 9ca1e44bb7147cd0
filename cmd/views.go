package cmd

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/metal-toolbox/oltprov/internal/log"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const statusRecentTasks = 10

var (
	viewDevice  string
	auditSince  string
	auditUntil  string
	auditLimit  int
	auditOffset int
)

type taskJSON struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Attempts   int        `json:"attempts"`
	ActorID    string     `json:"actor_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func taskView(t *model.Task) *taskJSON {
	return &taskJSON{
		ID:         t.ID,
		DeviceID:   t.DeviceID,
		Kind:       string(t.Kind),
		Status:     string(t.Status),
		Reason:     t.Reason,
		WorkerID:   t.WorkerID,
		Attempts:   t.Attempts,
		ActorID:    t.ActorID,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}

type auditJSON struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id,omitempty"`
	Action      string         `json:"action"`
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	WorkerID    string         `json:"worker_id,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
}

type auditPage struct {
	DeviceID string       `json:"device_id"`
	Total    int64        `json:"total"`
	Entries  []*auditJSON `json:"entries"`
}

// deviceStatus never carries secret material.
type deviceStatus struct {
	ID           string      `json:"id"`
	Address      string      `json:"address"`
	Port         int         `json:"port,omitempty"`
	Vendor       string      `json:"vendor,omitempty"`
	Model        string      `json:"model,omitempty"`
	State        string      `json:"state"`
	IsConfigured bool        `json:"is_configured"`
	DiscoveredAt *time.Time  `json:"discovered_at,omitempty"`
	LastSyncAt   *time.Time  `json:"last_sync_at,omitempty"`
	LeaseHolder  string      `json:"lease_holder,omitempty"`
	RecentTasks  []*taskJSON `json:"recent_tasks"`
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List the audit trail of a device, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		query := model.AuditQuery{DeviceID: viewDevice, Limit: auditLimit, Offset: auditOffset}

		var err error
		if query.Since, err = parseTimeFlag("since", auditSince); err != nil {
			return err
		}

		if query.Until, err = parseTimeFlag("until", auditUntil); err != nil {
			return err
		}

		config, err := loadConfig()
		if err != nil {
			return err
		}

		if err := requireSharedBackends(config, "audit", false); err != nil {
			return err
		}

		ctx := cmd.Context()
		logger := log.NewComponentLogger(log.NewLogrusLogger(config.LogLevel), "audit")

		repository, err := openRepository(ctx, config, logger, nil)
		if err != nil {
			return err
		}
		defer repository.Close()

		entries, total, err := repository.Audit().Query(ctx, query)
		if err != nil {
			return err
		}

		page := &auditPage{DeviceID: viewDevice, Total: total, Entries: make([]*auditJSON, 0, len(entries))}
		for _, e := range entries {
			page.Entries = append(page.Entries, &auditJSON{
				ID:          e.ID,
				TaskID:      e.TaskID,
				Action:      e.Action,
				Status:      string(e.Status),
				Message:     e.Message,
				Detail:      e.Detail,
				StartedAt:   e.StartedAt,
				CompletedAt: e.CompletedAt,
				DurationMS:  e.Duration.Milliseconds(),
				WorkerID:    e.WorkerID,
				ActorID:     e.ActorID,
			})
		}

		return printJSON(cmd.OutOrStdout(), page)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the lifecycle state, lease holder and recent tasks of a device",
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		if err := requireSharedBackends(config, "status", false); err != nil {
			return err
		}

		ctx := cmd.Context()
		logger := log.NewComponentLogger(log.NewLogrusLogger(config.LogLevel), "status")

		repository, err := openRepository(ctx, config, logger, nil)
		if err != nil {
			return err
		}
		defer repository.Close()

		leaser, err := openLeaser(ctx, config, logger, nil)
		if err != nil {
			return err
		}

		status, err := describeDevice(ctx, repository.Devices().Get, repository.Tasks().List, leaser.Holder, viewDevice)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), status)
	},
}

func describeDevice(
	ctx context.Context,
	getDevice func(context.Context, string) (*model.Device, error),
	listTasks func(context.Context, model.TaskQuery) ([]*model.Task, error),
	holder func(context.Context, string) (string, bool, error),
	deviceID string,
) (*deviceStatus, error) {
	d, err := getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	status := &deviceStatus{
		ID:           d.ID,
		Address:      d.Address,
		Port:         d.Port,
		Vendor:       d.Vendor,
		Model:        d.Model,
		State:        string(d.State),
		IsConfigured: d.IsConfigured(),
		DiscoveredAt: d.DiscoveredAt,
		LastSyncAt:   d.LastSyncAt,
		RecentTasks:  []*taskJSON{},
	}

	if h, held, err := holder(ctx, deviceID); err != nil {
		return nil, err
	} else if held {
		status.LeaseHolder = h
	}

	tasks, err := listTasks(ctx, model.TaskQuery{DeviceID: deviceID, Limit: statusRecentTasks})
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		status.RecentTasks = append(status.RecentTasks, taskView(t))
	}

	return status, nil
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errors.Wrap(err, "invalid --"+name+", expected RFC3339")
	}

	return &t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func init() {
	auditCmd.Flags().StringVar(&viewDevice, "device", "", "device id")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only entries started at or after this RFC3339 time")
	auditCmd.Flags().StringVar(&auditUntil, "until", "", "only entries started before this RFC3339 time")
	auditCmd.Flags().IntVar(&auditLimit, "limit", model.DefaultAuditPageSize, "page size")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "page offset")

	statusCmd.Flags().StringVar(&viewDevice, "device", "", "device id")

	for _, c := range []*cobra.Command{auditCmd, statusCmd} {
		if err := c.MarkFlagRequired("device"); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(auditCmd, statusCmd)
}
