package java

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sandertv/gophertunnel/minecraft/text"
)

// maxChatDepth 限制嵌套 extra 的递归深度。
const maxChatDepth = 32

// FlattenChat 把聊天组件（字符串、对象或数组）展开为纯文本。
// 样式字段被丢弃，内嵌的 § 格式码同样会被去除，但文本内容保持不变。
func FlattenChat(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	var sb strings.Builder
	flattenChat(&sb, v, 0)
	return text.Clean(sb.String())
}

func flattenChat(sb *strings.Builder, v any, depth int) {
	if depth > maxChatDepth {
		return
	}
	switch c := v.(type) {
	case string:
		sb.WriteString(c)
	case float64:
		sb.WriteString(strconv.FormatFloat(c, 'f', -1, 64))
	case bool:
		sb.WriteString(strconv.FormatBool(c))
	case []any:
		for _, part := range c {
			flattenChat(sb, part, depth+1)
		}
	case map[string]any:
		if t, ok := c["text"]; ok {
			flattenChat(sb, t, depth+1)
		} else if key, ok := c["translate"].(string); ok {
			sb.WriteString(key)
		}
		if extra, ok := c["extra"].([]any); ok {
			for _, part := range extra {
				flattenChat(sb, part, depth+1)
			}
		}
	}
}
