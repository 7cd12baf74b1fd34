package command

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"apexhv/internal/hypervisor"
	"apexhv/internal/hypervisor/status"

	"github.com/dustin/go-humanize"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func renderHealth(w io.Writer, data json.RawMessage) error {
	var h status.Health
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "status\t%s\n", h.Status)
	fmt.Fprintf(tw, "started\t%s\n", h.Started)
	fmt.Fprintf(tw, "partitions\t%d (%d running)\n", h.Partitions, h.Running)
	fmt.Fprintf(tw, "frame\t%s\n", humanize.Comma(int64(h.Frame)))
	if h.Host != nil {
		fmt.Fprintf(tw, "memory\t%s / %s (%.1f%%)\n", h.Host.MemUsed, h.Host.MemTotal, h.Host.MemUsageRate)
		fmt.Fprintf(tw, "load\t%.2f %.2f\n", h.Host.Load1, h.Host.Load5)
	}
	return tw.Flush()
}

func renderOverview(w io.Writer, data json.RawMessage) error {
	var o status.Overview
	if err := json.Unmarshal(data, &o); err != nil {
		return err
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "ID\tNAME\tMODE\tSTART\tRESTARTS\tPID\tWINDOW CPU\tFAULTS\n")
	for _, p := range o.Partitions {
		pid, cpu := "-", "-"
		if p.Runtime != nil && p.Runtime.Running {
			pid = fmt.Sprint(p.Runtime.PID)
			cpu = p.Runtime.WindowCPU.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%d\n",
			p.ID, p.Name, p.Mode, p.StartCondition, p.Restarts, pid, cpu, len(p.Faults))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nframe %d at %s of %s\n", o.Schedule.Frame, o.Schedule.Offset, o.Schedule.MajorFrame)
	return nil
}

func renderPartition(w io.Writer, data json.RawMessage) error {
	var p hypervisor.PartitionView
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "name\t%s (id %d)\n", p.Name, p.ID)
	fmt.Fprintf(tw, "mode\t%s\n", p.Mode)
	fmt.Fprintf(tw, "start condition\t%s\n", p.StartCondition)
	fmt.Fprintf(tw, "window\toffset %s duration %s period %s\n", p.Offset, p.Duration, p.Period)
	fmt.Fprintf(tw, "restarts\t%d\n", p.Restarts)
	if p.Runtime != nil {
		fmt.Fprintf(tw, "pid\t%d\n", p.Runtime.PID)
		fmt.Fprintf(tw, "frozen\t%t\n", p.Runtime.Frozen)
		if p.Runtime.Cgroup != "" {
			fmt.Fprintf(tw, "cgroup\t%s\n", p.Runtime.Cgroup)
		}
		if !p.Runtime.StartedAt.IsZero() {
			fmt.Fprintf(tw, "started\t%s\n", humanize.Time(p.Runtime.StartedAt))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(p.Faults) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n")
	tw = newTable(w)
	fmt.Fprintf(tw, "TIME\tKIND\tACTION\tFRAME\tDETAIL\n")
	for _, rec := range p.Faults {
		detail := rec.Detail
		if rec.Err != "" {
			detail = strings.TrimSpace(detail + " (" + rec.Err + ")")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			rec.Time.Format(time.TimeOnly), rec.Kind, rec.Action, rec.Frame, detail)
	}
	return tw.Flush()
}

func renderChannels(w io.Writer, data json.RawMessage) error {
	var channels []hypervisor.ChannelView
	if err := json.Unmarshal(data, &channels); err != nil {
		return err
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "NAME\tKIND\tMSG SIZE\tSOURCE\tDESTINATIONS\tQUEUED\n")
	for _, ch := range channels {
		queued := "-"
		if ch.Len != nil {
			queued = fmt.Sprint(*ch.Len)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ch.Name, ch.Kind, humanize.IBytes(uint64(ch.MsgSize)), ch.Source, strings.Join(ch.Destinations, ","), queued)
	}
	return tw.Flush()
}

func renderSchedule(w io.Writer, data json.RawMessage) error {
	var s hypervisor.ScheduleView
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	fmt.Fprintf(w, "major frame %s, frame %d, offset %s\n\n", s.MajorFrame, s.Frame, s.Offset)
	tw := newTable(w)
	fmt.Fprintf(tw, "WINDOW\tPARTITION\tSTART\tEND\t\n")
	for _, win := range s.Windows {
		marker := ""
		if s.Offset >= win.Start && s.Offset < win.End {
			marker = "<"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", win.Index, win.Name, win.Start, win.End, marker)
	}
	return tw.Flush()
}
