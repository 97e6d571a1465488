// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2019-2023 IOTech Ltd
//
// SPDX-License-Identifier: Apache-2.0

// Package driver provides an implementation of a ProtocolDriver interface.
//
// 仪器作为一个 EdgeX 设备暴露：读命令返回 Data Cache 快照字段或最近一次
// 命令结果，写命令以资源名（或 command 属性）为命令名进入请求队列，
// 执行成功后结果通过异步通道上报。
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edgexfoundry/device-sdk-go/v4/pkg/interfaces"
	dsModels "github.com/edgexfoundry/device-sdk-go/v4/pkg/models"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	edgexErrors "github.com/edgexfoundry/go-mod-core-contracts/v4/errors"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/models"

	"github.com/linjuya-lu/device_opcua_go/internal/app"
	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
)

const (
	// SourceEdgeX 经 EdgeX 写命令进入的请求来源
	SourceEdgeX = "edgex"
	// ConfigKey DriverConfigs 中桥接配置文件路径的键
	ConfigKey         = "BridgeConfig"
	defaultConfigPath = "./res/bridge.yaml"
	// commandAttribute 资源属性里可覆盖命令名
	commandAttribute = "command"
	// asyncBuffer 等待上报的异步读数上限
	asyncBuffer = 64
)

type BridgeDriver struct {
	lc      logger.LoggingClient
	asyncCh chan<- *dsModels.AsyncValues
	sdk     interfaces.DeviceServiceSDK
	svc     *app.Service
	db      *DB
	results chan *dsModels.AsyncValues
	// exit 桥接遇到配置错误时终止进程
	exit func(code int)

	locker sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var once sync.Once
var driver *BridgeDriver

func NewBridgeDeviceDriver() interfaces.ProtocolDriver {
	once.Do(func() {
		driver = new(BridgeDriver)
	})
	return driver
}

func (d *BridgeDriver) Initialize(sdk interfaces.DeviceServiceSDK) error {
	d.sdk = sdk
	d.lc = sdk.LoggingClient()
	d.asyncCh = sdk.AsyncValuesChannel()

	path := defaultConfigPath
	if p, ok := sdk.DriverConfigs()[ConfigKey]; ok && p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load bridge config: %w", err)
	}
	svc, err := app.New(cfg, d.lc)
	if err != nil {
		return fmt.Errorf("failed to build bridge: %w", err)
	}
	d.attach(svc, d.lc, d.asyncCh)
	return nil
}

// attach 绑定桥接服务；Initialize 与测试共用
func (d *BridgeDriver) attach(svc *app.Service, lc logger.LoggingClient, asyncCh chan<- *dsModels.AsyncValues) {
	d.svc = svc
	d.lc = lc
	d.asyncCh = asyncCh
	d.db = NewDB()
	if d.exit == nil {
		d.exit = os.Exit
	}
	d.results = make(chan *dsModels.AsyncValues, asyncBuffer)
	go d.forward(d.results)
}

// forward 按回调顺序把结果送进 SDK 的异步通道
func (d *BridgeDriver) forward(results <-chan *dsModels.AsyncValues) {
	for av := range results {
		d.asyncCh <- av
	}
}

func (d *BridgeDriver) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		err := d.svc.Run(ctx)
		switch {
		case err == nil:
		case bridgeerr.Is(err, bridgeerr.KindConfiguration):
			// 配置错误不可恢复，桥接已停止，整个设备服务随之退出
			d.lc.Errorf("bridge configuration error, exiting: %v", err)
			d.exit(1)
		default:
			d.lc.Errorf("bridge stopped: %v", err)
		}
	}()
	d.lc.Infof("instrument %s bridged", d.svc.Instrument().About().Name)
	return nil
}

func (d *BridgeDriver) HandleReadCommands(deviceName string, protocols map[string]models.ProtocolProperties, reqs []dsModels.CommandRequest) ([]*dsModels.CommandValue, error) {
	d.locker.Lock()
	defer d.locker.Unlock()

	snap := d.svc.Instrument().State().Data()
	res := make([]*dsModels.CommandValue, 0, len(reqs))
	for _, req := range reqs {
		name := req.DeviceResourceName
		var v any
		if val, ok := snap.Value(name); ok {
			v = val
		} else if r, err := d.db.Get(deviceName, name); err == nil {
			v = r.Value
		} else {
			return nil, edgexErrors.NewCommonEdgeX(edgexErrors.KindEntityDoesNotExist,
				fmt.Sprintf("no value for %s.%s yet", deviceName, name), nil)
		}
		cv, err := commandValue(name, req.Type, v)
		if err != nil {
			return nil, edgexErrors.NewCommonEdgeX(edgexErrors.KindContractInvalid, "read "+name, err)
		}
		res = append(res, cv)
		d.lc.Debugf("读取值: %s.%s = %v", deviceName, name, v)
	}
	return res, nil
}

func (d *BridgeDriver) HandleWriteCommands(deviceName string, protocols map[string]models.ProtocolProperties, reqs []dsModels.CommandRequest,
	params []*dsModels.CommandValue) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	if len(reqs) != len(params) {
		return edgexErrors.NewCommonEdgeX(edgexErrors.KindContractInvalid, "mismatched write requests and parameters", nil)
	}
	for i, req := range reqs {
		resName := req.DeviceResourceName
		command := resName
		if c, ok := req.Attributes[commandAttribute].(string); ok && c != "" {
			command = c
		}
		value, err := paramValue(params[i])
		if err != nil {
			return edgexErrors.NewCommonEdgeX(edgexErrors.KindContractInvalid, "write "+resName, err)
		}

		r, err := d.svc.EnqueueCommand(command, value, d.report(deviceName, resName, req.Type), SourceEdgeX)
		if err != nil {
			return toEdgeX("write "+resName, err)
		}
		d.lc.Infof("写入值: %s.%s = %v (command=%s id=%s)", deviceName, resName, value, command, r.ID)
	}
	return nil
}

// report 成功回调：记录结果并异步上报
func (d *BridgeDriver) report(deviceName, resName, valueType string) func(any) {
	return func(result any) {
		d.db.Put(deviceName, resName, result)
		if d.asyncCh == nil {
			return
		}
		cv, err := commandValue(resName, valueType, result)
		if err != nil {
			d.lc.Warnf("async value %s.%s: %v", deviceName, resName, err)
			return
		}
		av := &dsModels.AsyncValues{
			DeviceName:    deviceName,
			SourceName:    resName,
			CommandValues: []*dsModels.CommandValue{cv},
		}
		// 回调运行在 Worker 上，不能阻塞
		select {
		case d.results <- av:
		default:
			d.lc.Warnf("async value %s.%s dropped: %d readings pending", deviceName, resName, asyncBuffer)
		}
	}
}

// toEdgeX 把桥接层错误映射到 EdgeX 错误类别
func toEdgeX(op string, err error) error {
	switch bridgeerr.KindOf(err) {
	case bridgeerr.KindUnknownCommand, bridgeerr.KindConfiguration:
		return edgexErrors.NewCommonEdgeX(edgexErrors.KindContractInvalid, op, err)
	case bridgeerr.KindUnresolvedNode:
		return edgexErrors.NewCommonEdgeX(edgexErrors.KindEntityDoesNotExist, op, err)
	}
	return edgexErrors.NewCommonEdgeX(edgexErrors.KindServerError, op, err)
}

func (d *BridgeDriver) Stop(force bool) error {
	d.lc.Info("BridgeDriver.Stop: bridge is stopping...")
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	if !force {
		<-d.done
	}
	return nil
}

func (d *BridgeDriver) AddDevice(deviceName string, protocols map[string]models.ProtocolProperties, adminState models.AdminState) error {
	d.lc.Debugf("a new Device is added: %s", deviceName)
	return nil
}

func (d *BridgeDriver) UpdateDevice(deviceName string, protocols map[string]models.ProtocolProperties, adminState models.AdminState) error {
	d.lc.Debugf("Device %s is updated", deviceName)
	return nil
}

func (d *BridgeDriver) RemoveDevice(deviceName string, protocols map[string]models.ProtocolProperties) error {
	d.lc.Debugf("Device %s is removed", deviceName)
	d.db.DeleteDevice(deviceName)
	return nil
}

func (d *BridgeDriver) Discover() error {
	return errors.New("driver's Discover function isn't implemented")
}

func (d *BridgeDriver) ValidateDevice(device models.Device) error {
	d.lc.Debug("Driver's ValidateDevice function isn't implemented")
	return nil
}
