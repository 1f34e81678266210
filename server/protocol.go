package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// 协议命令字（cmd 字段）
const (
	CmdJoinedServer        = "joined_server"
	CmdSpawnLocalPlayer    = "spawn_local_player"
	CmdSpawnNewPlayer      = "spawn_new_player"
	CmdSpawnNetworkPlayers = "spawn_network_players"
	CmdPosition            = "position"
	CmdUpdatePosition      = "update_position"
	CmdShoot               = "shoot"
	CmdHit                 = "hit"
	CmdApplyDamage         = "apply_damage"
	CmdChat                = "chat"
	CmdNewChatMessage      = "new_chat_message"
	CmdPlayerDisconnected  = "player_disconnected"
)

var (
	// ErrMalformedFrame 帧不是合法的 {cmd, content} JSON
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownCommand cmd 不在已知入站命令中
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidContent content 与命令要求的结构不符
	ErrInvalidContent = errors.New("invalid content")
)

// Envelope 线上帧结构：{"cmd": "...", "content": {...}}
type Envelope struct {
	Cmd     string          `json:"cmd"`
	Content json.RawMessage `json:"content"`
}

// Event 入站事件（封闭的变体集合）
type Event interface {
	Command() string
}

// PositionEvent 客户端上报自身位姿；Anim/Flip 为 nil 表示本帧未携带
type PositionEvent struct {
	X    float64
	Y    float64
	Anim *string
	Flip *bool
}

// ShootEvent 开火；Dir 原样透传
type ShootEvent struct {
	X   float64
	Y   float64
	Dir json.RawMessage
}

// HitEvent 客户端上报对 Target 造成伤害
type HitEvent struct {
	Target PlayerID
	Damage float64
}

// ChatEvent 聊天消息
type ChatEvent struct {
	Msg string
}

func (PositionEvent) Command() string { return CmdPosition }
func (ShootEvent) Command() string { return CmdShoot }
func (HitEvent) Command() string { return CmdHit }
func (ChatEvent) Command() string { return CmdChat }

// 入站 content 的线上形状，指针字段用于区分“缺失”和“零值”
type positionContent struct {
	X    *float64 `json:"x"`
	Y    *float64 `json:"y"`
	Anim *string  `json:"anim"`
	Flip *bool    `json:"flip"`
}

type shootContent struct {
	X   *float64        `json:"x"`
	Y   *float64        `json:"y"`
	Dir json.RawMessage `json:"dir"`
}

type hitContent struct {
	Target *string  `json:"target"`
	Damage *float64 `json:"damage"`
}

type chatContent struct {
	Msg *string `json:"msg"`
}

// DecodeEvent 解析一帧入站消息并校验为已知变体
// 返回的错误包装 ErrMalformedFrame / ErrUnknownCommand / ErrInvalidContent 之一
func DecodeEvent(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Cmd == "" {
		return nil, fmt.Errorf("%w: missing cmd", ErrMalformedFrame)
	}

	switch env.Cmd {
	case CmdPosition:
		var c positionContent
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		if c.X == nil || c.Y == nil {
			return nil, fmt.Errorf("%w: %s requires x and y", ErrInvalidContent, env.Cmd)
		}
		return PositionEvent{X: *c.X, Y: *c.Y, Anim: c.Anim, Flip: c.Flip}, nil

	case CmdShoot:
		var c shootContent
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		if c.X == nil || c.Y == nil || isNullJSON(c.Dir) {
			return nil, fmt.Errorf("%w: %s requires x, y and dir", ErrInvalidContent, env.Cmd)
		}
		return ShootEvent{X: *c.X, Y: *c.Y, Dir: c.Dir}, nil

	case CmdHit:
		var c hitContent
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		if c.Target == nil || *c.Target == "" || c.Damage == nil {
			return nil, fmt.Errorf("%w: %s requires target and damage", ErrInvalidContent, env.Cmd)
		}
		return HitEvent{Target: PlayerID(*c.Target), Damage: *c.Damage}, nil

	case CmdChat:
		var c chatContent
		if err := decodeContent(env, &c); err != nil {
			return nil, err
		}
		if c.Msg == nil {
			return nil, fmt.Errorf("%w: %s requires msg", ErrInvalidContent, env.Cmd)
		}
		return ChatEvent{Msg: *c.Msg}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Cmd)
}

func decodeContent(env Envelope, dst any) error {
	if isNullJSON(env.Content) {
		return fmt.Errorf("%w: %s without content", ErrInvalidContent, env.Cmd)
	}
	if err := json.Unmarshal(env.Content, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidContent, env.Cmd, err)
	}
	return nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Message 出站消息
type Message struct {
	Cmd     string `json:"cmd"`
	Content any    `json:"content"`
}

type joinedServerPayload struct {
	Msg  string   `json:"msg"`
	UUID PlayerID `json:"uuid"`
}

type spawnPlayerPayload struct {
	Msg    string `json:"msg"`
	Player Player `json:"player"`
}

type spawnPlayersPayload struct {
	Msg     string   `json:"msg"`
	Players []Player `json:"players"`
}

// 未携带的 anim/flip 原样缺省，不补零值
type updatePositionPayload struct {
	UUID PlayerID `json:"uuid"`
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
	Anim *string  `json:"anim,omitempty"`
	Flip *bool    `json:"flip,omitempty"`
}

type shootPayload struct {
	UUID PlayerID        `json:"uuid"`
	X    float64         `json:"x"`
	Y    float64         `json:"y"`
	Dir  json.RawMessage `json:"dir"`
}

type applyDamagePayload struct {
	Target PlayerID `json:"target"`
	Damage float64  `json:"damage"`
}

type chatPayload struct {
	Msg string `json:"msg"`
}

type disconnectedPayload struct {
	UUID PlayerID `json:"uuid"`
}

func JoinedServerMessage(id PlayerID) Message {
	return Message{Cmd: CmdJoinedServer, Content: joinedServerPayload{Msg: "Welcome to the server!", UUID: id}}
}

func SpawnLocalPlayerMessage(p Player) Message {
	return Message{Cmd: CmdSpawnLocalPlayer, Content: spawnPlayerPayload{Msg: "Spawning local (you) player!", Player: p}}
}

func SpawnNewPlayerMessage(p Player) Message {
	return Message{Cmd: CmdSpawnNewPlayer, Content: spawnPlayerPayload{Msg: "Spawning new network player!", Player: p}}
}

func SpawnNetworkPlayersMessage(players []Player) Message {
	if players == nil {
		players = []Player{}
	}
	return Message{Cmd: CmdSpawnNetworkPlayers, Content: spawnPlayersPayload{Msg: "Spawning network players!", Players: players}}
}

func UpdatePositionMessage(id PlayerID, ev PositionEvent) Message {
	return Message{Cmd: CmdUpdatePosition, Content: updatePositionPayload{UUID: id, X: ev.X, Y: ev.Y, Anim: ev.Anim, Flip: ev.Flip}}
}

func ShootMessage(id PlayerID, ev ShootEvent) Message {
	return Message{Cmd: CmdShoot, Content: shootPayload{UUID: id, X: ev.X, Y: ev.Y, Dir: ev.Dir}}
}

func ApplyDamageMessage(ev HitEvent) Message {
	return Message{Cmd: CmdApplyDamage, Content: applyDamagePayload{Target: ev.Target, Damage: ev.Damage}}
}

func NewChatMessage(ev ChatEvent) Message {
	return Message{Cmd: CmdNewChatMessage, Content: chatPayload{Msg: ev.Msg}}
}

func PlayerDisconnectedMessage(id PlayerID) Message {
	return Message{Cmd: CmdPlayerDisconnected, Content: disconnectedPayload{UUID: id}}
}
