// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2018-2022 IOTech Ltd
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/edgexfoundry/device-sdk-go/v4/pkg/startup"

	device_opcua "github.com/linjuya-lu/device_opcua_go"
	"github.com/linjuya-lu/device_opcua_go/internal/driver"
)

const (
	serviceName string = "device-opcua-bridge"
)

func main() {
	d := driver.NewBridgeDeviceDriver()
	startup.Bootstrap(serviceName, device_opcua.Version, d)
}
