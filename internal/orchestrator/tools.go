package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/stephen-kim/cinepyle/internal/booking"
	"github.com/stephen-kim/cinepyle/internal/browser"
	"github.com/stephen-kim/cinepyle/internal/intent"
	"github.com/stephen-kim/cinepyle/internal/llm"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

const (
	maxConcurrentTools = 3
	searchLimit        = 15
	defaultNearby      = 5
	maxNearby          = 10
)

// toolRunner answers the read-only tool calls of one conversation turn.
type toolRunner struct {
	o    *Orchestrator
	conv *conversation
}

// RunTools runs the calls concurrently, at most three at a time, and
// returns their outputs in call order.
func (r *toolRunner) RunTools(ctx context.Context, calls []llm.ToolCall) []intent.ToolOutput {
	out := make([]intent.ToolOutput, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTools)
	for i, call := range calls {
		g.Go(func() error {
			out[i] = intent.ToolOutput{CallID: call.ID, Content: r.run(gctx, call)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *toolRunner) run(ctx context.Context, call llm.ToolCall) string {
	args := gjson.Parse(call.Arguments)
	switch call.Name {
	case intent.ToolSearchTheaters:
		return r.searchTheaters(ctx, args.Get("chain").String(), args.Get("name_query").String())
	case intent.ToolListShowtimes:
		return r.listShowtimes(ctx, args.Get("chain").String(), args.Get("theater_id").String(), args.Get("date").String())
	case intent.ToolFindNearby:
		count := int(args.Get("count").Int())
		return r.findNearby(ctx, count)
	}
	return fmt.Sprintf("알 수 없는 도구: %s", call.Name)
}

type theaterResult struct {
	Chain  string `json:"chain"`
	ID     string `json:"theater_id"`
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
}

func theaterJSON(list []storage.Theater) string {
	out := make([]theaterResult, len(list))
	for i, th := range list {
		out[i] = theaterResult{Chain: th.Chain, ID: th.ID, Name: th.Name, Region: th.Region}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (r *toolRunner) searchTheaters(ctx context.Context, chain, query string) string {
	if r.o.deps.Directory == nil {
		return "극장 목록을 사용할 수 없습니다."
	}
	if key, _ := intent.ChainOf(chain); key != "" {
		chain = key
	}
	found, err := r.o.deps.Directory.SearchTheaters(ctx, chain, query, searchLimit)
	if err != nil {
		r.o.logger.Warn("theater search failed", "chain", chain, "query", query, "error", err)
		return "극장 검색에 실패했습니다."
	}
	if len(found) == 0 {
		return fmt.Sprintf("'%s'에 해당하는 극장이 없습니다.", query)
	}
	return theaterJSON(found)
}

// listShowtimes reads a schedule through the chain adapter on its own
// leased page.
func (r *toolRunner) listShowtimes(ctx context.Context, chain, theaterID, date string) string {
	if key, _ := intent.ChainOf(chain); key != "" {
		chain = key
	}
	if date != "" {
		d, _, ok := intent.ParseDate(date, r.o.opts.Clock.Now())
		if !ok {
			return fmt.Sprintf("날짜를 이해하지 못했습니다: %s", date)
		}
		date = d
	}
	adapter, err := r.o.deps.Adapters.For(chain)
	if err != nil {
		return fmt.Sprintf("지원하지 않는 영화관입니다: %s", chain)
	}

	lease, err := r.o.deps.Pool.Acquire(ctx)
	if err != nil {
		return failureText(err)
	}
	defer lease.Release()

	page := browser.WithStepTimeout(lease.Page(), r.o.opts.StepTimeout)
	list, err := adapter.ListShowtimes(ctx, page, theaterID, date)
	if err != nil {
		var rej *booking.SiteRejectedError
		if errors.As(err, &rej) {
			return rej.Reason
		}
		r.o.logger.Warn("showtime lookup failed", "chain", chain, "theater", theaterID, "error", err)
		return failureText(err)
	}
	if len(list) == 0 {
		return "해당 날짜에 상영 정보가 없습니다."
	}
	b, err := json.Marshal(list)
	if err != nil {
		return failureText(err)
	}
	return string(b)
}

func (r *toolRunner) findNearby(ctx context.Context, count int) string {
	loc := r.conv.location
	if r.o.deps.Nearby == nil || loc == nil {
		return "위치 정보가 없어 근처 극장을 찾을 수 없습니다."
	}
	if count <= 0 {
		count = defaultNearby
	}
	count = min(count, maxNearby)
	found, err := r.o.deps.Nearby.FindNearby(ctx, loc.Lat, loc.Lng, count)
	if err != nil {
		r.o.logger.Warn("nearby search failed", "error", err)
		return "근처 극장 검색에 실패했습니다."
	}
	if len(found) == 0 {
		return "근처에 극장이 없습니다."
	}
	return theaterJSON(found)
}
