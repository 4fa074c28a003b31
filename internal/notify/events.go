package notify

import "github.com/classicap/classicap-dl/internal/acquire"

// PublishOutcome sends one row outcome to "<prefix>/outcome" at QoS 0
// without blocking the caller.
func (c *Client) PublishOutcome(o acquire.Outcome) {
	if err := c.publishJSON(c.Topic("outcome"), 0, false, false, o.Record()); err != nil {
		c.log.Warn().Err(err).Str("id", o.Row.ID).Msg("failed to publish outcome")
	}
}

// PublishSummary sends the run totals to "<prefix>/summary" at QoS 1 as a
// retained message and waits for the broker to acknowledge it.
func (c *Client) PublishSummary(s *acquire.Summary) error {
	return c.publishJSON(c.Topic("summary"), 1, true, true, s.Totals())
}
