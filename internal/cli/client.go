package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StepResponse — step из API.
type StepResponse struct {
	ID            string         `json:"id"`
	BlockID       string         `json:"block_id"`
	ParentID      string         `json:"parent_id,omitempty"`
	ChildBlockID  string         `json:"child_block_id,omitempty"`
	Index         int            `json:"index"`
	Action        string         `json:"action"`
	Args          map[string]any `json:"args,omitempty"`
	Lane          string         `json:"lane"`
	Status        string         `json:"status"`
	NotBefore     string         `json:"not_before,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ResolveAction string         `json:"resolve_action,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

// DispatchStatusResponse — состояние circuit breaker'а из API.
type DispatchStatusResponse struct {
	Enabled          bool `json:"enabled"`
	CanSafelyRestart bool `json:"can_safely_restart"`
	RunningSteps     int  `json:"running_steps"`
	DispatchedSteps  int  `json:"dispatched_steps"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Action      string         `json:"action"`
	Args        map[string]any `json:"args,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   string         `json:"next_due_at,omitempty"`
	LastRunAt   string         `json:"last_run_at,omitempty"`
	LastStepID  string         `json:"last_step_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// --- Request types ---

// CreateStepRequest — создание корневого step.
type CreateStepRequest struct {
	Action        string         `json:"action"`
	Args          map[string]any `json:"args,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	ResolveAction string         `json:"resolve_action,omitempty"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name,omitempty"`
	Action      string         `json:"action"`
	Args        map[string]any `json:"args,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для API диспетчера.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Steps ---

// CreateStep создаёт корневой step.
func (c *Client) CreateStep(req CreateStepRequest) (*StepResponse, error) {
	var step StepResponse
	err := c.post("/api/v1/steps", req, &step)
	return &step, err
}

// GetStep возвращает step по ID.
func (c *Client) GetStep(id string) (*StepResponse, error) {
	var step StepResponse
	err := c.get("/api/v1/steps/"+id, &step)
	return &step, err
}

// CancelStep отменяет step.
func (c *Client) CancelStep(id string) (*StepResponse, error) {
	var step StepResponse
	err := c.post("/api/v1/steps/"+id+"/cancel", nil, &step)
	return &step, err
}

// --- Dispatch (circuit breaker) ---

// GetDispatchStatus возвращает состояние circuit breaker'а.
func (c *Client) GetDispatchStatus() (*DispatchStatusResponse, error) {
	var status DispatchStatusResponse
	err := c.get("/api/v1/dispatch", &status)
	return &status, err
}

// EnableDispatch включает диспетчеризацию.
func (c *Client) EnableDispatch() error {
	return c.post("/api/v1/dispatch/enable", nil, nil)
}

// DisableDispatch выключает диспетчеризацию.
func (c *Client) DisableDispatch() error {
	return c.post("/api/v1/dispatch/disable", nil, nil)
}

// --- Schedules ---

// ListSchedules возвращает schedules.
func (c *Client) ListSchedules() ([]ScheduleResponse, error) {
	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+id, &schedule)
	return &schedule, err
}

// SetScheduleEnabled включает/выключает schedule.
func (c *Client) SetScheduleEnabled(id string, enabled bool) error {
	body := map[string]bool{"enabled": enabled}
	return c.put("/api/v1/schedules/"+id+"/enabled", body, nil)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) list(path string, result any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if lr.Data == nil {
		return nil
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
