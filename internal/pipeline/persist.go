package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/statestore"
)

const (
	historyTitle  = "# Interrupt Pipeline History"
	entryPrefix   = "## Interrupt "
	entrySeqMark  = " #"
	entryTime     = time.RFC3339Nano
	metaProcessed = "processedCount"
	metaStrategy  = "lastStrategy"
)

// persist writes out as the next history entry. Every fullEvery-th entry,
// and the first one, is written as a full checkpoint of the whole history.
func (p *Pipeline) persist(out *Outcome) error {
	if p.store == nil {
		return nil
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	seq := p.processed + 1
	p.mu.Unlock()
	out.Seq = seq

	full := seq == 1 || seq%p.fullEvery == 0
	var content string
	if full {
		entries := append([]Outcome{*out}, p.History()...)
		if len(entries) > p.historyCap {
			entries = entries[:p.historyCap]
		}
		secs := make([]statestore.Section, len(entries))
		for i := range entries {
			secs[i] = entrySection(&entries[i])
		}
		content = statestore.RenderSections(historyTitle, secs)
	} else {
		content = statestore.RenderSections("", []statestore.Section{entrySection(out)})
	}

	_, err := p.store.Update(content, full, func(m *statestore.Metadata) {
		m.Set(metaProcessed, strconv.Itoa(seq))
		m.Set(metaStrategy, string(out.Strategy))
	})
	if err != nil {
		return &stageError{stage: "persistence", err: fmt.Errorf("failed to persist processing history: %w", err)}
	}

	p.mu.Lock()
	p.processed = seq
	p.mu.Unlock()
	p.metrics.Save(Generator, full)
	return nil
}

func entrySection(out *Outcome) statestore.Section {
	rec := out.Record
	var b strings.Builder
	writeItem(&b, "Source", rec.Source)
	writeItem(&b, "Type", rec.Type)
	writeItem(&b, "Reason", rec.Reason)
	writeItem(&b, "Strategy", string(out.Strategy))
	writeItem(&b, "Priority", string(out.Analysis.Priority))
	writeItem(&b, "Fallback", strconv.FormatBool(out.Fallback))
	writeItem(&b, "New Prompt", yesNo(out.Plan.NewPrompt != ""))
	writeItem(&b, "KB Updates", strconv.Itoa(len(out.Plan.KBUpdates)))
	if out.Err != nil {
		writeItem(&b, "Error", out.Err.Error())
	}
	return statestore.Section{
		Header: entryPrefix + out.ProcessedAt.UTC().Format(entryTime) + entrySeqMark + strconv.Itoa(out.Seq),
		Body:   strings.TrimRight(b.String(), "\n"),
	}
}

func writeItem(b *strings.Builder, key, value string) {
	value = strings.Join(strings.Fields(value), " ")
	fmt.Fprintf(b, "- %s: %s\n", key, value)
}

// Restore reloads the processed counter and the history from the store.
func (p *Pipeline) Restore() error {
	if p.store == nil {
		return nil
	}
	meta, err := p.store.LoadMeta()
	if err != nil {
		return err
	}
	content, err := p.store.LoadState()
	if err != nil {
		return err
	}

	_, secs := statestore.ParseSections(content)
	var restored []Outcome
	for _, s := range secs {
		if out, ok := parseEntry(s); ok {
			restored = append(restored, out)
		}
	}
	sort.SliceStable(restored, func(i, j int) bool { return restored[i].Seq > restored[j].Seq })
	if len(restored) > p.historyCap {
		restored = restored[:p.historyCap]
	}

	p.mu.Lock()
	p.processed = meta.Int(metaProcessed)
	p.resolved = p.processed
	p.history = restored
	p.mu.Unlock()
	return nil
}

func parseEntry(s statestore.Section) (Outcome, bool) {
	rest, ok := strings.CutPrefix(s.Header, entryPrefix)
	if !ok {
		return Outcome{}, false
	}
	stamp, seqText, ok := strings.Cut(rest, entrySeqMark)
	if !ok {
		return Outcome{}, false
	}
	seq, err := strconv.Atoi(strings.TrimSpace(seqText))
	if err != nil {
		return Outcome{}, false
	}
	out := Outcome{Seq: seq, Record: &interrupt.Record{}}
	if t, err := time.Parse(entryTime, stamp); err == nil {
		out.ProcessedAt = t
	}
	for _, line := range strings.Split(s.Body, "\n") {
		k, v, ok := strings.Cut(strings.TrimPrefix(line, "- "), ": ")
		if !ok {
			continue
		}
		switch k {
		case "Source":
			out.Record.Source = v
		case "Type":
			out.Record.Type = v
		case "Reason":
			out.Record.Reason = v
		case "Strategy":
			out.Strategy = Strategy(v)
			out.Plan.Strategy = out.Strategy
		case "Priority":
			out.Analysis.Priority = Priority(v)
		case "Fallback":
			out.Fallback = v == "true"
		}
	}
	return out, true
}
