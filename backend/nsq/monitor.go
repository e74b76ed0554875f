package nsq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/taskhawk/internal/logging"
	"github.com/austindbirch/taskhawk/internal/metrics"
)

// stats is the subset of nsqd's /stats?format=json response we read.
type stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd's HTTP stats endpoint and exports the depth of every
// taskhawk topic and channel as the taskhawk_queue_depth gauge.
type Monitor struct {
	statsURL string
	client   *http.Client
	logger   *logging.Logger
}

// NewMonitor takes nsqd's HTTP address, e.g. "nsqd:4151".
func NewMonitor(nsqdHTTPAddr string, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	addr := nsqdHTTPAddr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Monitor{
		statsURL: strings.TrimRight(addr, "/") + "/stats?format=json",
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Update(ctx); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("Error updating queue depth metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Update performs a single poll.
func (m *Monitor) Update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get NSQ stats: status %d", resp.StatusCode)
	}

	var s stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range s.Topics {
		if !strings.HasPrefix(topic.TopicName, "taskhawk-") {
			continue
		}
		// Messages not yet copied to any channel.
		metrics.UpdateQueueDepth(topic.TopicName, "", topic.Depth)
		for _, channel := range topic.Channels {
			metrics.UpdateQueueDepth(topic.TopicName, channel.ChannelName, channel.Depth)
		}
	}
	return nil
}
