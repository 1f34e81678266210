package server

import "github.com/google/uuid"

// PlayerID 表示玩家唯一标识（连接建立时由服务端生成）
type PlayerID string

// NewPlayerID 生成新的随机 UUID 身份，进程生命周期内不复用
func NewPlayerID() PlayerID {
	return PlayerID(uuid.NewString())
}

// Player 注册表中的玩家记录（最后一次上报的位姿）
type Player struct {
	ID   PlayerID `json:"uuid"`
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
	Anim string   `json:"anim,omitempty"`
	Flip bool     `json:"flip,omitempty"`

	seq uint64 // 加入顺序，仅用于快照排序
}
