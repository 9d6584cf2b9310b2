package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"killswitch/internal/client"
	"killswitch/internal/models"
	"killswitch/internal/service"
	"killswitch/pkg/utils"
)

// printJSON печатает значение с отступами
func (c *cli) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c *cli) printStatus(r service.StatusReport) error {
	if c.jsonOut {
		return c.printJSON(r)
	}

	st := r.Status
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "state:\t%s\n", st.State)
	if st.Description != "" {
		fmt.Fprintf(w, "description:\t%s\n", st.Description)
	}
	fmt.Fprintf(w, "enabled:\t%t\n", st.Enabled)
	fmt.Fprintf(w, "mode:\t%s\n", st.Mode)
	fmt.Fprintf(w, "position limit:\t%.0f%%\n", st.PositionLimitFactor*100)
	if st.LastEventID != "" {
		fmt.Fprintf(w, "last event:\t%s\n", st.LastEventID)
		fmt.Fprintf(w, "last reason:\t%s\n", st.LastReason)
		fmt.Fprintf(w, "triggered by:\t%s\n", st.TriggeredBy)
	}
	fmt.Fprintf(w, "events:\t%d\n", st.EventCount)
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "updated:\t%s\n", formatTime(st.UpdatedAt))
	}
	if r.Recovery.Phase != "" && r.Recovery.Phase != models.PhaseIdle {
		fmt.Fprintf(w, "recovery:\t%s\n", r.Recovery.Phase)
	}
	if rs := st.Restart; rs != nil {
		if rs.Stage < 0 {
			fmt.Fprintf(w, "cooldown ends:\t%s%s\n", formatTime(rs.CooldownEndsAt), until(rs.CooldownEndsAt))
		} else {
			fmt.Fprintf(w, "restart stage:\t%d/%d\n", rs.Stage+1, rs.Stages)
		}
		if rs.NextEscalationAt != nil {
			fmt.Fprintf(w, "next escalation:\t%s%s\n", formatTime(*rs.NextEscalationAt), until(*rs.NextEscalationAt))
		}
	}
	if v := r.Verify; v != nil {
		switch {
		case v.Error != "":
			fmt.Fprintf(w, "verify:\terror: %s\n", v.Error)
		case v.Consistent:
			fmt.Fprintf(w, "verify:\tconsistent (%d entries, %d transitions)\n", v.Replayed, v.Logical)
		default:
			fmt.Fprintf(w, "verify:\tMISMATCH replayed %s/%s\n", v.State, v.LastEventID)
		}
	}
	return w.Flush()
}

func (c *cli) printEvent(ev models.KillSwitchEvent) error {
	if c.jsonOut {
		return c.printJSON(ev)
	}
	_, err := fmt.Fprintf(c.out, "%s  %s -> %s  by %s: %s (event %s)\n",
		formatTime(ev.Timestamp), ev.FromState, ev.ToState, ev.TriggeredBy, ev.Reason, ev.EventID)
	return err
}

func (c *cli) printRecover(res *service.RecoverResult) error {
	if c.jsonOut {
		return c.printJSON(res)
	}
	if err := c.printEvent(res.Event); err != nil {
		return err
	}
	if rs := res.Recovery.Restart; rs != nil {
		_, err := fmt.Fprintf(c.out, "cooldown until %s, %d escalation stages\n",
			formatTime(rs.CooldownEndsAt), rs.Stages)
		return err
	}
	return nil
}

func (c *cli) printHealth(res models.HealthCheckResult) error {
	if c.jsonOut {
		return c.printJSON(res)
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	for _, ch := range res.Checks {
		mark := "ok"
		if !ch.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", mark, ch.Name, ch.Message)
	}
	if res.IsHealthy {
		fmt.Fprintln(w, "healthy")
	} else {
		fmt.Fprintf(w, "unhealthy: %d failed\n", len(res.FailedChecks))
	}
	return w.Flush()
}

func (c *cli) printAudit(entries []models.AuditEntry) error {
	if c.jsonOut {
		return c.printJSON(entries)
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintln(c.out, "no entries")
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tTRANSITION\tACTOR\tREASON")
	for _, e := range entries {
		transition, actor := "", e.Actor
		if e.Event != nil {
			transition = fmt.Sprintf("%s->%s", e.Event.FromState, e.Event.ToState)
			if actor == "" {
				actor = e.Event.TriggeredBy
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, formatTime(e.Timestamp), e.Type, transition, actor, e.EntryReason())
	}
	return w.Flush()
}

// printStreamEvent печатает событие потока; снимки статуса только в --json
func (c *cli) printStreamEvent(ev client.StreamEvent) {
	switch {
	case c.jsonOut && ev.Event != nil:
		c.printJSON(ev.Event)
	case c.jsonOut && ev.Status != nil:
		c.printJSON(ev.Status)
	case ev.Event != nil:
		c.printEvent(*ev.Event)
	}
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05 MST")
}

// until - " (in 4m30s)" для момента в будущем
func until(t time.Time) string {
	d := time.Until(t)
	if d <= 0 {
		return ""
	}
	return " (in " + utils.FormatDuration(d) + ")"
}
