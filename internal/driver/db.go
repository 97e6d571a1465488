package driver

import (
	"sync"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/errors"
)

// Result 一条命令最近一次成功执行的结果
type Result struct {
	Name   string // 资源名
	Value  any    // 解码后的仪器返回值
	Origin int64  // 回调时间（纳秒）
}

// DB 命令结果的内存存储：DeviceName → ResourceName → Result
type DB struct {
	mu    sync.RWMutex
	store map[string]map[string]Result
}

func NewDB() *DB {
	return &DB{store: make(map[string]map[string]Result)}
}

// Put 记录或覆盖一条结果
func (d *DB) Put(deviceName, resourceName string, value any) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.store[deviceName]; !ok {
		d.store[deviceName] = make(map[string]Result)
	}
	r := Result{Name: resourceName, Value: value, Origin: time.Now().UnixNano()}
	d.store[deviceName][resourceName] = r
	return r
}

// Get 取指定设备某个资源的最近结果
func (d *DB) Get(deviceName, resourceName string) (Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	devMap, ok := d.store[deviceName]
	if !ok {
		return Result{}, errors.NewCommonEdgeX(errors.KindEntityDoesNotExist, "no result recorded for device "+deviceName, nil)
	}
	r, ok := devMap[resourceName]
	if !ok {
		return Result{}, errors.NewCommonEdgeX(errors.KindEntityDoesNotExist, "no result recorded for resource "+resourceName, nil)
	}
	return r, nil
}

// DeleteDevice 删除整个设备及其所有结果
func (d *DB) DeleteDevice(deviceName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.store, deviceName)
}
