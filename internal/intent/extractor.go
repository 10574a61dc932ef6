package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

const defaultMaxRounds = 5

// Completer is the tool-calling surface. Implemented by *llm.Router.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
	Available() bool
}

// Options configures an Extractor.
type Options struct {
	MaxToolRounds int
	Logger        *slog.Logger
}

// Extractor runs the tool-calling loop and falls back to keywords when no
// provider can answer.
type Extractor struct {
	llm       Completer
	keyword   *Keyword
	maxRounds int
	logger    *slog.Logger
}

// NewExtractor creates an Extractor. completer may be nil, in which case
// every message goes through the keyword path.
func NewExtractor(completer Completer, keyword *Keyword, opts Options) *Extractor {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxRounds
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if keyword == nil {
		keyword = NewKeyword(nil)
	}
	return &Extractor{llm: completer, keyword: keyword, maxRounds: opts.MaxToolRounds, logger: opts.Logger}
}

// Extract interprets one message. Read-only tool calls go to runner. An
// error is returned only when ctx ends; provider failures degrade to the
// keyword path.
func (e *Extractor) Extract(ctx context.Context, turn Turn, runner ToolRunner) (Result, error) {
	if strings.TrimSpace(turn.Text) == "" {
		return Result{Source: SourceKeyword}, nil
	}
	if e.llm == nil || !e.llm.Available() {
		return e.keyword.Extract(ctx, turn), nil
	}

	res, err := e.toolLoop(ctx, turn, runner)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if errors.Is(err, llm.ErrProviderUnavailable) {
		e.logger.Warn("tool calling unavailable, using keyword extraction", "error", err)
	} else {
		e.logger.Warn("tool calling failed, using keyword extraction", "error", err)
	}
	return e.keyword.Extract(ctx, turn), nil
}

func (e *Extractor) toolLoop(ctx context.Context, turn Turn, runner ToolRunner) (Result, error) {
	res := Result{Source: SourceLLM, Booking: IsBookingIntent(turn.Text)}

	msgs := append([]llm.Message(nil), turn.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: turn.Text})
	req := llm.Request{
		System: BuildSystemPrompt(turn.Now, turn.State, turn.HasLocation),
		Tools:  Tools(turn.HasLocation),
	}

	for round := 0; round < e.maxRounds; round++ {
		req.Messages = msgs
		resp, err := e.llm.Complete(ctx, req)
		if err != nil {
			return Result{}, err
		}
		res.Rounds++

		if len(resp.ToolCalls) == 0 {
			if text := strings.TrimSpace(resp.Text); text != "" {
				res.Reply = text
			}
			return res, nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

		var (
			lookups []llm.ToolCall
			outputs = make(map[string]string, len(resp.ToolCalls))
			done    bool
		)
		for _, call := range resp.ToolCalls {
			if ReadOnly(call.Name) {
				lookups = append(lookups, call)
				continue
			}
			out, final := e.interpret(call, turn, &res)
			outputs[call.ID] = out
			done = done || final
		}
		if len(lookups) > 0 && runner != nil {
			for _, o := range runner.RunTools(ctx, lookups) {
				outputs[o.CallID] = o.Content
			}
		}
		for _, call := range resp.ToolCalls {
			content, ok := outputs[call.ID]
			if !ok {
				content = "도구를 사용할 수 없습니다."
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID})
		}
		if done {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	e.logger.Debug("tool rounds exhausted", "rounds", e.maxRounds)
	return res, nil
}

// interpret applies a state-changing tool call to res and returns the tool
// output. final reports whether the loop should stop after this round.
func (e *Extractor) interpret(call llm.ToolCall, turn Turn, res *Result) (output string, final bool) {
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if !gjson.Valid(args) {
		return fmt.Sprintf("잘못된 인자입니다: %s", call.Name), false
	}
	parsed := gjson.Parse(args)

	switch call.Name {
	case ToolUpdateBooking:
		res.Booking = true
		if parsed.Get("correction").Bool() {
			res.Patch.Correction = true
		}
		var set []string
		fill := func(slot slots.Slot, text, id string) {
			text, id = strings.TrimSpace(text), strings.TrimSpace(id)
			if text == "" && id == "" {
				return
			}
			res.Patch.Set(slot, text, id, true)
			set = append(set, slot.Label())
		}
		chain := parsed.Get("chain").String()
		if key, _ := ChainOf(chain); key != "" {
			chain = key
		}
		date := parsed.Get("date").String()
		if d, _, ok := ParseDate(date, turn.Now); ok {
			date = d
		}
		showtime := parsed.Get("time").String()
		if hhmm, _, ok := ParseTime(showtime); ok {
			showtime = hhmm
		}
		fill(slots.SlotChain, chain, "")
		fill(slots.SlotTheater, parsed.Get("theater_name").String(), parsed.Get("theater_id").String())
		fill(slots.SlotMovie, parsed.Get("movie").String(), parsed.Get("movie_id").String())
		fill(slots.SlotDate, date, "")
		fill(slots.SlotTime, showtime, "")
		fill(slots.SlotScreenType, parsed.Get("screen_type").String(), "")
		if len(set) == 0 {
			return "기록할 정보가 없습니다.", false
		}
		return "기록됨: " + strings.Join(set, ", "), false
	case ToolConfirmBooking:
		res.Action = ActionAffirm
		return "BOOKING_START", true
	case ToolCancelBooking:
		res.Action = ActionCancel
		return "CANCELLED", true
	case ToolRespondToUser:
		res.Reply = strings.TrimSpace(parsed.Get("message").String())
		return "전송됨", true
	}
	return fmt.Sprintf("알 수 없는 도구: %s", call.Name), false
}
