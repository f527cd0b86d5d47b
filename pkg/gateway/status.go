package gateway

import (
	"sync"
	"time"

	"pincer/pkg/agent"
)

// statusTracker holds the mutable health state reported by the status
// endpoints: provider reachability, per-channel run state, and uptime.
type statusTracker struct {
	instance *agent.Instance

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type agentStatus struct {
	Model            string `json:"model"`
	SubagentsRunning int    `json:"subagents_running"`
	HeartbeatEnabled bool   `json:"heartbeat_enabled"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Agent            agentStatus             `json:"agent"`
	Channels         map[string]channelState `json:"channels"`
}

func newStatusTracker(instance *agent.Instance, channelNames []string) *statusTracker {
	states := make(map[string]channelState, len(channelNames))
	for _, name := range channelNames {
		states[name] = channelState{}
	}

	return &statusTracker{instance: instance, channelStates: states}
}

func (t *statusTracker) markStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedAt = time.Now().UTC()
}

func (t *statusTracker) setChannelState(name string, state channelState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelStates[name] = state
}

func (t *statusTracker) providerOK() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providerLastErr = ""
	t.providerLastOKAt = time.Now().UTC()
}

func (t *statusTracker) providerFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providerLastErr = err.Error()
}

// isReady requires a healthy provider and at least one running channel.
func (t *statusTracker) isReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	anyRunning := false
	for _, state := range t.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return false
	}

	if t.providerLastOKAt.IsZero() {
		return false
	}

	return t.providerLastErr == ""
}

func (t *statusTracker) snapshot(status string) statusResponse {
	t.mu.RLock()
	defer t.mu.RUnlock()

	uptime := int64(0)
	if !t.startedAt.IsZero() {
		uptime = int64(time.Since(t.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(t.channelStates))
	for name, state := range t.channelStates {
		channels[name] = state
	}

	providerLastOK := ""
	if !t.providerLastOKAt.IsZero() {
		providerLastOK = t.providerLastOKAt.Format(time.RFC3339)
	}

	response := statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  t.providerLastErr,
		Channels:         channels,
	}

	if t.instance != nil {
		response.Agent = agentStatus{
			Model:            t.instance.Model(),
			SubagentsRunning: t.instance.Subagents().RunningCount(),
			HeartbeatEnabled: t.instance.HeartbeatEnabled(),
		}
	}

	return response
}
