package network

// Client to server.
const (
	MsgTypeHeartbeat       = 1
	MsgTypeLogin           = 101
	MsgTypeLogout          = 102
	MsgTypeCrawlAction     = 201
	MsgTypeOverUnderAction = 202
	MsgTypePongAction      = 203
	MsgTypeAdminUnlock     = 204
)

// Server to client.
const (
	MsgTypeCrawlState     = 301
	MsgTypeOverUnderState = 302
	MsgTypePongState      = 303
	MsgTypeNotice         = 304
	MsgTypeSessionInfo    = 305
)

type LoginRequest struct {
	Name string `json:"name"`
}

type UnlockRequest struct {
	Code string `json:"code"`
}

// CrawlAction covers every crawl command. Hold actions (drink, arrival,
// next_round, reset_ranking) arrive as hold_start/hold_cancel with Action
// naming the held command.
type CrawlAction struct {
	Type          string  `json:"type"`
	Action        string  `json:"action,omitempty"`
	StopID        *string `json:"stop_id,omitempty"`
	ParticipantID string  `json:"participant_id,omitempty"`
	Minutes       int     `json:"minutes,omitempty"`
	Value         int     `json:"value,omitempty"`
	Restart       bool    `json:"restart,omitempty"`
}

type OverUnderAction struct {
	Type      string  `json:"type"`
	Direction string  `json:"direction,omitempty"`
	AceMode   string  `json:"ace_mode,omitempty"`
	PlayerID  *string `json:"player_id,omitempty"`
}

type PongAction struct {
	Type      string `json:"type"`
	Direction string `json:"direction,omitempty"`
	Player1ID string `json:"player1_id,omitempty"`
	Player2ID string `json:"player2_id,omitempty"`
}

type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type SessionInfo struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Admin         bool   `json:"admin"`
}
