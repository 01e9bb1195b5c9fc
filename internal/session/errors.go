package session

import "fmt"

// ValidationError rejects an operation before any I/O happens. The session
// state does not change beyond surfacing the message.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("session: %s", e.Reason) }

// User-facing messages, matching the product's spoken language. Errors are
// surfaced on the session, never thrown past the controller boundary.
const (
	msgNoMedia      = "사진을 먼저 찍어주세요."
	msgEmptyText    = "질문을 입력해주세요."
	msgCameraFailed = "카메라를 사용할 수 없어요."
	msgNotReady     = "아직 화면이 준비되지 않았어요."
	msgMicFailed    = "음성 인식을 사용할 수 없어요."
	msgAnswerFailed = "답변을 가져오지 못했어요. 다시 시도해주세요."
)
