package driver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	dsModels "github.com/edgexfoundry/device-sdk-go/v4/pkg/models"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/common"

	"github.com/linjuya-lu/device_opcua_go/internal/codec"
)

// commandValue 把仪器返回值转换成设备资源声明的类型
func commandValue(name, valueType string, v any) (*dsModels.CommandValue, error) {
	var (
		out any
		err error
	)
	switch valueType {
	case common.ValueTypeBool:
		out, err = toBool(v)
	case common.ValueTypeString:
		out, err = toString(v)
	case common.ValueTypeFloat32:
		var f float64
		if f, err = codec.Float(v); err == nil {
			out = float32(f)
		}
	case common.ValueTypeFloat64:
		out, err = codec.Float(v)
	case common.ValueTypeInt8, common.ValueTypeInt16, common.ValueTypeInt32, common.ValueTypeInt64:
		out, err = toInt(v, valueType)
	case common.ValueTypeUint8, common.ValueTypeUint16, common.ValueTypeUint32, common.ValueTypeUint64:
		out, err = toUint(v, valueType)
	case common.ValueTypeObject:
		out = v
	default:
		return nil, fmt.Errorf("unsupported value type %s for resource %s", valueType, name)
	}
	if err != nil {
		return nil, fmt.Errorf("resource %s as %s: %w", name, valueType, err)
	}
	return dsModels.NewCommandValue(name, valueType, out)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	f, err := codec.Float(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toInt(v any, valueType string) (any, error) {
	f, err := codec.Float(v)
	if err != nil {
		return nil, err
	}
	i := int64(math.Round(f))
	switch valueType {
	case common.ValueTypeInt8:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return nil, fmt.Errorf("%v overflows int8", v)
		}
		return int8(i), nil
	case common.ValueTypeInt16:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, fmt.Errorf("%v overflows int16", v)
		}
		return int16(i), nil
	case common.ValueTypeInt32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, fmt.Errorf("%v overflows int32", v)
		}
		return int32(i), nil
	default:
		return i, nil
	}
}

func toUint(v any, valueType string) (any, error) {
	f, err := codec.Float(v)
	if err != nil {
		return nil, err
	}
	if f < 0 {
		return nil, fmt.Errorf("%v is negative", v)
	}
	u := uint64(math.Round(f))
	switch valueType {
	case common.ValueTypeUint8:
		if u > math.MaxUint8 {
			return nil, fmt.Errorf("%v overflows uint8", v)
		}
		return uint8(u), nil
	case common.ValueTypeUint16:
		if u > math.MaxUint16 {
			return nil, fmt.Errorf("%v overflows uint16", v)
		}
		return uint16(u), nil
	case common.ValueTypeUint32:
		if u > math.MaxUint32 {
			return nil, fmt.Errorf("%v overflows uint32", v)
		}
		return uint32(u), nil
	default:
		return u, nil
	}
}

// paramValue 取写请求携带的参数
func paramValue(cv *dsModels.CommandValue) (any, error) {
	switch cv.Type {
	case common.ValueTypeBool:
		return cv.BoolValue()
	case common.ValueTypeString:
		s, err := cv.StringValue()
		if err != nil {
			return nil, err
		}
		// 数字字符串按数值下发
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		return s, nil
	case common.ValueTypeFloat32:
		f, err := cv.Float32Value()
		return float64(f), err
	case common.ValueTypeFloat64:
		return cv.Float64Value()
	case common.ValueTypeInt8, common.ValueTypeInt16, common.ValueTypeInt32, common.ValueTypeInt64,
		common.ValueTypeUint8, common.ValueTypeUint16, common.ValueTypeUint32, common.ValueTypeUint64:
		return codec.Float(cv.Value)
	default:
		return nil, fmt.Errorf("unsupported write type %s for resource %s", cv.Type, cv.DeviceResourceName)
	}
}
