package intent

import (
	"context"

	"github.com/stephen-kim/cinepyle/internal/llm"
)

// Tool names the model can call.
const (
	ToolSearchTheaters = "search_theaters"
	ToolListShowtimes  = "list_showtimes"
	ToolFindNearby     = "find_nearby_theaters"
	ToolUpdateBooking  = "update_booking"
	ToolConfirmBooking = "confirm_booking"
	ToolCancelBooking  = "cancel_booking"
	ToolRespondToUser  = "respond_to_user"
)

// ReadOnly reports whether a tool only looks things up. Read-only calls
// are handed to a ToolRunner; the rest are interpreted here.
func ReadOnly(name string) bool {
	switch name {
	case ToolSearchTheaters, ToolListShowtimes, ToolFindNearby:
		return true
	}
	return false
}

// ToolOutput is the text result of one read-only call.
type ToolOutput struct {
	CallID  string
	Content string
}

// ToolRunner executes read-only tool calls. Outputs are returned in call
// order.
type ToolRunner interface {
	RunTools(ctx context.Context, calls []llm.ToolCall) []ToolOutput
}

var chainEnum = []string{"cgv", "lotte", "megabox", "cineq"}

// Tools returns the schemas offered to the model.
func Tools(withNearby bool) []llm.Tool {
	tools := []llm.Tool{
		{
			Name:        ToolSearchTheaters,
			Description: "영화관 체인 내에서 극장을 이름 키워드로 검색합니다. 극장 이름이 정확하지 않거나 후보가 여러 개일 때 사용합니다.",
			Parameters: object(map[string]any{
				"chain":      map[string]any{"type": "string", "enum": chainEnum, "description": "영화관 체인 키"},
				"name_query": map[string]any{"type": "string", "description": "극장 이름 검색 키워드 (예: '용산', '코엑스', '강남')"},
			}, "chain"),
		},
		{
			Name:        ToolListShowtimes,
			Description: "특정 극장의 상영 시간표를 조회합니다. 극장 ID는 search_theaters 결과에서 가져옵니다. 날짜를 지정하지 않으면 오늘입니다.",
			Parameters: object(map[string]any{
				"chain":      map[string]any{"type": "string", "enum": chainEnum, "description": "영화관 체인 키"},
				"theater_id": map[string]any{"type": "string", "description": "극장 코드/ID"},
				"date":       map[string]any{"type": "string", "description": "조회할 날짜 (YYYY-MM-DD)"},
			}, "chain", "theater_id"),
		},
		{
			Name:        ToolUpdateBooking,
			Description: "사용자가 말한 예매 정보를 기록합니다. 사용자가 직접 말한 값만 넣으세요. 이미 확정된 값을 바꾸려면 correction을 true로 하세요.",
			Parameters: object(map[string]any{
				"chain":        map[string]any{"type": "string", "enum": chainEnum},
				"theater_id":   map[string]any{"type": "string", "description": "극장 코드/ID"},
				"theater_name": map[string]any{"type": "string", "description": "극장 이름"},
				"movie":        map[string]any{"type": "string", "description": "영화 제목"},
				"movie_id":     map[string]any{"type": "string", "description": "시간표 결과의 영화 코드 (있으면)"},
				"date":         map[string]any{"type": "string", "description": "관람 날짜 (YYYY-MM-DD)"},
				"time":         map[string]any{"type": "string", "description": "상영 시작 시간 (HH:MM)"},
				"screen_type":  map[string]any{"type": "string", "description": "상영관 종류 (IMAX, 4DX 등)"},
				"correction":   map[string]any{"type": "boolean", "description": "확정된 값을 사용자가 정정하는 경우 true"},
			}),
		},
		{
			Name:        ToolConfirmBooking,
			Description: "사용자가 예매 정보를 확인하고 진행에 동의했을 때만 호출합니다. 로그인, 좌석 선택, 결제 단계로 진행합니다.",
			Parameters:  object(map[string]any{}),
		},
		{
			Name:        ToolCancelBooking,
			Description: "현재 예매를 취소하고 상태를 초기화합니다.",
			Parameters:  object(map[string]any{}),
		},
		{
			Name:        ToolRespondToUser,
			Description: "사용자에게 한국어 메시지를 보냅니다. 질문, 옵션 안내, 확인 메시지에 사용합니다.",
			Parameters: object(map[string]any{
				"message": map[string]any{"type": "string", "description": "사용자에게 보낼 한국어 메시지"},
			}, "message"),
		},
	}
	if withNearby {
		tools = append(tools, llm.Tool{
			Name:        ToolFindNearby,
			Description: "사용자 위치 기반으로 근처 영화관을 찾습니다. '근처', '가까운', '주변' 같은 표현에 사용합니다.",
			Parameters: object(map[string]any{
				"count": map[string]any{"type": "integer", "description": "검색할 극장 수 (기본값 5, 최대 10)"},
			}),
		})
	}
	return tools
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
