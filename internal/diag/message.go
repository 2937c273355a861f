package diag

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// 握手协议消息
const (
	MsgAreYouReady = "areyouready?"
	MsgIAmReady    = "iamready!"
	MsgLevelOne    = "setScriptletLogLevelToOne"
	MsgLevelTwo    = "setScriptletLogLevelToTwo"

	whatLogMessage = "messageToLogger"
)

// EncodeLogMessage 构造 {what:"messageToLogger", type, text} 载荷
func EncodeLogMessage(typ, text string) string {
	out, err := sjson.Set(`{"what":"`+whatLogMessage+`"}`, "type", typ)
	if err != nil {
		return ""
	}
	out, err = sjson.Set(out, "text", text)
	if err != nil {
		return ""
	}
	return out
}

// DecodeLogMessage 解析日志载荷，非载荷消息返回 ok=false
func DecodeLogMessage(msg string) (typ, text string, ok bool) {
	if !gjson.Valid(msg) {
		return "", "", false
	}
	r := gjson.Parse(msg)
	if !r.IsObject() || r.Get("what").String() != whatLogMessage {
		return "", "", false
	}
	return r.Get("type").String(), r.Get("text").String(), true
}
