package memory

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/textutil"
)

// CharsPerToken is the fixed ratio used for all token estimates. It is an
// approximation; real tokenization is provider specific.
const CharsPerToken = 4

const (
	defaultMaxSystem = 3
	defaultMinKeep   = 2
	// Messages at or below truncateFloor runes are never elided.
	truncateFloor = 200
	// Room left for the elision marker when sizing a cut.
	markerReserve = 32
	headFraction  = 0.6
	// Upper bound on compaction passes while settling on a fixed point.
	maxPasses = 8
)

// Options bound a compaction. Zero MaxMessages or TargetTokens means no limit of that kind.
type Options struct {
	MaxMessages        int
	TargetTokens       int
	AlwaysKeepSystem   bool
	AlwaysKeepLastUser bool
	// MaxSystem caps how many system turns survive when there are too many (default 3).
	MaxSystem int
	// MinKeep is the fewest earlier turns kept when shrinking for a token target (default 2).
	MinKeep int
}

// DefaultOptions keeps system turns and the last user turn.
func DefaultOptions(maxMessages, targetTokens int) Options {
	return Options{
		MaxMessages:        maxMessages,
		TargetTokens:       targetTokens,
		AlwaysKeepSystem:   true,
		AlwaysKeepLastUser: true,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxSystem <= 0 {
		o.MaxSystem = defaultMaxSystem
	}
	if o.MinKeep < 0 {
		o.MinKeep = 0
	} else if o.MinKeep == 0 {
		o.MinKeep = defaultMinKeep
	}
	return o
}

// Shrink derives a tighter budget from opts for a retry after a context-length
// rejection. Unset limits are derived from msgs first. factor is clamped to (0, 1).
func Shrink(opts Options, msgs []core.Message, factor float64) Options {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	maxMsgs := opts.MaxMessages
	if maxMsgs <= 0 || maxMsgs > len(msgs) {
		maxMsgs = len(msgs)
	}
	target := opts.TargetTokens
	if est := EstimateConversation(msgs); target <= 0 || target > est {
		target = est
	}
	opts.MaxMessages = max(1, int(float64(maxMsgs)*factor))
	opts.TargetTokens = max(1, int(float64(target)*factor))
	return opts
}

// EstimateTokens approximates the token cost of one message as ceil(runes / CharsPerToken).
func EstimateTokens(m core.Message) int {
	n := utf8.RuneCountInString(m.Content) + utf8.RuneCountInString(m.Name)
	for _, tc := range m.ToolCalls {
		n += utf8.RuneCountInString(tc.Name) + utf8.RuneCountInString(tc.ArgumentsJSON)
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// EstimateConversation sums EstimateTokens over msgs.
func EstimateConversation(msgs []core.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	return total
}

func withinBudget(msgs []core.Message, o Options) bool {
	if o.MaxMessages > 0 && len(msgs) > o.MaxMessages {
		return false
	}
	if o.TargetTokens > 0 && EstimateConversation(msgs) > o.TargetTokens {
		return false
	}
	return true
}

// Compact returns a new conversation that fits opts as closely as possible.
// Input within budget is returned as an unchanged copy. Otherwise system turns
// move to the front, the newest user turn (plus any tool exchange after it)
// stays at the end verbatim, and the earlier user and assistant turns that fit
// are kept in their original order. If the token target is still exceeded,
// long unprotected turns are elided in the middle, oldest first.
//
// The output never has more messages or estimated tokens than the input, and
// Compact(Compact(m, o), o) equals Compact(m, o).
func Compact(msgs []core.Message, opts Options) []core.Message {
	prev, out := msgs, compactOnce(msgs, opts)
	for pass := 1; pass < maxPasses && !sameConversation(prev, out); pass++ {
		prev, out = out, compactOnce(out, opts)
	}
	return out
}

func compactOnce(msgs []core.Message, opts Options) []core.Message {
	if len(msgs) == 0 || withinBudget(msgs, opts) {
		return append([]core.Message(nil), msgs...)
	}
	o := opts.withDefaults()

	var tailIdx []int
	if o.AlwaysKeepLastUser {
		tailIdx = reservedTail(msgs)
	}
	reserved := make(map[int]bool, len(tailIdx))
	for _, i := range tailIdx {
		reserved[i] = true
	}
	var sysIdx, candIdx []int
	for i, m := range msgs {
		switch {
		case reserved[i]:
		case m.Role == core.RoleSystem:
			sysIdx = append(sysIdx, i)
		default:
			candIdx = append(candIdx, i)
		}
	}

	var keptSys []int
	if o.AlwaysKeepSystem {
		keptSys = selectSystem(msgs, sysIdx, o.MaxSystem)
	}

	slots := len(candIdx)
	if o.MaxMessages > 0 {
		slots = min(slots, o.MaxMessages-len(keptSys)-len(tailIdx))
	}
	slots = max(slots, 0)

	assemble := func(kept []int) []core.Message {
		res := make([]core.Message, 0, len(keptSys)+len(kept)+len(tailIdx))
		for _, i := range keptSys {
			res = append(res, msgs[i])
		}
		for _, i := range kept {
			res = append(res, msgs[i])
		}
		for _, i := range tailIdx {
			res = append(res, msgs[i])
		}
		res = dropOrphanToolTurns(msgs, res)
		if len(tailIdx) > 1 {
			res = dropStrippedTail(res)
		}
		return res
	}

	kept := selectTurns(msgs, candIdx, slots)
	result := assemble(kept)
	for o.TargetTokens > 0 && slots > o.MinKeep && EstimateConversation(result) > o.TargetTokens {
		slots--
		kept = selectTurns(msgs, candIdx, slots)
		result = assemble(kept)
	}

	if o.TargetTokens > 0 {
		result = truncateToTarget(result, o, len(keptSys))
	}
	return result
}

// reservedTail returns the newest user turn plus, when everything after it is
// a tool exchange (call echoes and results), those turns too. Plain assistant
// turns after it are ordinary candidates. Nil when there is no user turn.
func reservedTail(msgs []core.Message) []int {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	tail := []int{last}
	for i := last + 1; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != core.RoleTool && !(m.Role == core.RoleAssistant && len(m.ToolCalls) > 0) {
			return []int{last}
		}
		tail = append(tail, i)
	}
	return tail
}

// dropStrippedTail removes assistant turns after the last user turn that lost
// every tool call during orphan cleanup, so the tail stays a tool exchange.
func dropStrippedTail(msgs []core.Message) []core.Message {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return msgs
	}
	out := msgs[:last+1]
	for _, m := range msgs[last+1:] {
		if m.Role == core.RoleAssistant && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

func sameConversation(a, b []core.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Role != y.Role || x.Content != y.Content || x.Name != y.Name ||
			x.ToolCallID != y.ToolCallID || len(x.ToolCalls) != len(y.ToolCalls) {
			return false
		}
		for j := range x.ToolCalls {
			if x.ToolCalls[j] != y.ToolCalls[j] {
				return false
			}
		}
	}
	return true
}

var importantMarkers = []string{
	"important", "must", "never", "always", "rule", "instruction",
	"penting", "wajib", "jangan", "harus",
}

func isImportant(s string) bool {
	s = strings.ToLower(s)
	for _, k := range importantMarkers {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// selectSystem keeps every system turn up to maxSystem. Beyond that it keeps
// turns flagged important (earliest first), else the first and last.
func selectSystem(msgs []core.Message, idx []int, maxSystem int) []int {
	if len(idx) <= maxSystem {
		return idx
	}
	var important []int
	for _, i := range idx {
		if isImportant(msgs[i].Content) {
			important = append(important, i)
		}
	}
	if len(important) > 0 {
		if len(important) > maxSystem {
			important = important[:maxSystem]
		}
		return important
	}
	return []int{idx[0], idx[len(idx)-1]}
}

// selectTurns picks up to slots indices from cand: user turns by score,
// assistant and tool turns by recency. Returned in original order.
func selectTurns(msgs []core.Message, cand []int, slots int) []int {
	if slots >= len(cand) {
		return cand
	}
	if slots <= 0 {
		return nil
	}
	var users, others []int
	for _, i := range cand {
		if msgs[i].Role == core.RoleUser {
			users = append(users, i)
		} else {
			others = append(others, i)
		}
	}
	userKeep := min(len(users), (slots+1)/2)
	otherKeep := min(len(others), slots-userKeep)
	userKeep += min(len(users)-userKeep, slots-userKeep-otherKeep)

	scores := make(map[int]float64, len(users))
	for rank, i := range users {
		scores[i] = scoreUser(msgs[i], rank, len(users))
	}
	scored := append([]int(nil), users...)
	sort.Slice(scored, func(a, b int) bool {
		if sa, sb := scores[scored[a]], scores[scored[b]]; sa != sb {
			return sa > sb
		}
		return scored[a] > scored[b]
	})

	kept := append([]int(nil), scored[:userKeep]...)
	kept = append(kept, others[len(others)-otherKeep:]...)
	sort.Ints(kept)
	return kept
}

// scoreUser ranks a user turn by recency, whether it asks a question, and length.
func scoreUser(m core.Message, rank, n int) float64 {
	score := 2 * float64(rank+1) / float64(n)
	if strings.Contains(m.Content, "?") {
		score += 1
	}
	score += 0.5 * math.Min(float64(utf8.RuneCountInString(m.Content))/200, 1)
	return score
}

// dropOrphanToolTurns removes tool results whose call echo was dropped and
// strips call echoes whose results were all dropped.
func dropOrphanToolTurns(orig, kept []core.Message) []core.Message {
	resultIDs := make(map[string]bool)
	for _, m := range orig {
		if m.Role == core.RoleTool && m.ToolCallID != "" {
			resultIDs[m.ToolCallID] = true
		}
	}
	callIDs := make(map[string]bool)
	keptResults := make(map[string]bool)
	for _, m := range kept {
		for _, tc := range m.ToolCalls {
			callIDs[tc.ID] = true
		}
		if m.Role == core.RoleTool {
			keptResults[m.ToolCallID] = true
		}
	}

	out := make([]core.Message, 0, len(kept))
	for i, m := range kept {
		if m.Role == core.RoleTool {
			if m.ToolCallID != "" && !callIDs[m.ToolCallID] {
				continue
			}
			if m.ToolCallID == "" && (i == 0 || len(kept[i-1].ToolCalls) == 0) {
				continue
			}
		}
		if len(m.ToolCalls) > 0 {
			var calls []core.ToolCall
			for _, tc := range m.ToolCalls {
				if resultIDs[tc.ID] && !keptResults[tc.ID] {
					continue
				}
				calls = append(calls, tc)
			}
			if len(calls) != len(m.ToolCalls) {
				m.ToolCalls = calls
				if len(calls) == 0 && strings.TrimSpace(m.Content) == "" {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

// truncateToTarget elides long unprotected turns, oldest first, cutting each
// in proportion to the remaining excess. If that is not enough, every
// unprotected long turn is cut down to the floor.
func truncateToTarget(msgs []core.Message, o Options, sysCount int) []core.Message {
	excess := EstimateConversation(msgs) - o.TargetTokens
	if excess <= 0 {
		return msgs
	}
	lastUser := -1
	if o.AlwaysKeepLastUser {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == core.RoleUser {
				lastUser = i
				break
			}
		}
	}
	eligible := func(i int) bool {
		m := msgs[i]
		if i == lastUser || (o.AlwaysKeepSystem && i < sysCount && m.Role == core.RoleSystem) {
			return false
		}
		return !textutil.IsElided(m.Content) && utf8.RuneCountInString(m.Content) > truncateFloor
	}

	var idx []int
	for i := range msgs {
		if eligible(i) {
			idx = append(idx, i)
		}
	}
	for _, i := range idx {
		if excess <= 0 {
			return msgs
		}
		before := EstimateTokens(msgs[i])
		runes := utf8.RuneCountInString(msgs[i].Content)
		keep := max(truncateFloor, runes-excess*CharsPerToken-markerReserve)
		msgs[i].Content = textutil.Elide(msgs[i].Content, keep, headFraction)
		excess -= before - EstimateTokens(msgs[i])
	}
	if excess <= 0 {
		return msgs
	}
	for _, i := range idx {
		if textutil.IsElided(msgs[i].Content) {
			continue
		}
		msgs[i].Content = textutil.Elide(msgs[i].Content, truncateFloor, headFraction)
	}
	return msgs
}
