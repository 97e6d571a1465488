package opcua

import (
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"
)

// extractValue 把变体展开成 Go 基本类型；整数统一为 int64
func extractValue(v *ua.Variant) any {
	if v == nil {
		return nil
	}
	val := v.Value()
	switch tv := val.(type) {
	case nil:
		return nil
	case bool, int64, uint64, float64, string:
		return tv
	case int8:
		return int64(tv)
	case uint8:
		return int64(tv)
	case int16:
		return int64(tv)
	case uint16:
		return int64(tv)
	case int32:
		return int64(tv)
	case uint32:
		return int64(tv)
	case float32:
		return float64(tv)
	case time.Time:
		return tv.UnixMilli()
	case ua.StatusCode:
		return uint32(tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

// variantValue 命令结果写回节点前的归一化，未知类型按字符串写
func variantValue(v any) any {
	switch tv := v.(type) {
	case nil:
		return ""
	case bool, string, float64, float32, int64, int32, int16, int8, uint64, uint32, uint16, uint8, time.Time:
		return tv
	case int:
		return int64(tv)
	case uint:
		return uint64(tv)
	case fmt.Stringer:
		return tv.String()
	default:
		return fmt.Sprintf("%v", tv)
	}
}
