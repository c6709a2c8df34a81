// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xmidt-org/arrange"
	"github.com/xmidt-org/hermes/dps"
	"github.com/xmidt-org/hermes/hub"
	"github.com/xmidt-org/hermes/model"
	"github.com/xmidt-org/hermes/sastoken"
	"github.com/xmidt-org/touchstone"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const applicationName = "hermes"

var (
	GitCommit = "undefined"
	Version   = "undefined"
	BuildTime = "undefined"
)

func main() {
	v, logger, err := setup(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// run() executes the whole provision-then-send flow during Invoke,
	// so a successful app is done once construction finishes.
	app := fx.New(
		arrange.LoggerFunc(logger.Sugar().Infof),
		arrange.ForViper(v),
		fx.Supply(logger, v),
		fx.Supply(touchstone.Config{}),
		touchstone.Provide(),
		dps.ProvideMetrics(),
		hub.ProvideMetrics(),
		fx.Provide(
			provideIdentity,
			provideProvisioner,
		),
		fx.Invoke(run),
	)

	switch err := app.Err(); {
	case errors.Is(err, pflag.ErrHelp):
		return
	case err == nil:
		return
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func provideIdentity(v *viper.Viper) (model.DeviceIdentity, error) {
	var identity model.DeviceIdentity
	err := v.UnmarshalKey("device", &identity)
	return identity, err
}

func provideProvisioner(v *viper.Viper, logger *zap.Logger, measures dps.Measures) (*dps.Client, error) {
	var config dps.ClientConfig
	if err := v.UnmarshalKey("dps", &config); err != nil {
		return nil, err
	}
	config.Logger = logger
	config.Measures = &measures
	return dps.NewClient(config, nil), nil
}

type runIn struct {
	fx.In
	Logger      *zap.Logger
	Viper       *viper.Viper
	Identity    model.DeviceIdentity
	Provisioner *dps.Client
	HubMeasures hub.Measures
}

// run provisions the device and sends the sample telemetry batch to the
// assigned ingestion endpoint, reporting any records that could not be
// delivered.
func run(in runIn) error {
	ctx := context.Background()

	result, err := in.Provisioner.Register(ctx, in.Identity)
	if err != nil {
		return err
	}
	if !result.Assigned() {
		in.Logger.Error("device was not assigned an ingestion endpoint",
			zap.String("status", result.Status.String()),
			zap.Int("errorCode", result.ErrorCode),
			zap.String("reason", result.ErrorReason))
		return fmt.Errorf("provisioning did not assign an ingestion endpoint: %s", result.Status)
	}
	in.Logger.Info("device assigned", zap.String("assignedHub", result.AssignedHub))

	deviceKey, err := sastoken.DeriveKey(in.Identity.GroupKey, in.Identity.DeviceID)
	if err != nil {
		return err
	}

	var config hub.ClientConfig
	if err := in.Viper.UnmarshalKey("hub", &config); err != nil {
		return err
	}
	config.Address = "https://" + result.AssignedHub
	config.DeviceID = in.Identity.DeviceID
	config.DeviceKey = deviceKey
	config.Logger = in.Logger
	config.Measures = &in.HubMeasures

	client, err := hub.NewClient(config, nil)
	if err != nil {
		return err
	}

	records := sampleRecords(time.Now(), 6)
	err = client.Send(ctx, records)
	if errors.Is(err, hub.ErrDeliveryIncomplete) {
		for i := range records {
			if r := records[i].Result; r != nil && !r.Sent {
				in.Logger.Error("record was not delivered",
					zap.Int("index", i),
					zap.Int("code", r.Code),
					zap.String("reason", r.Reason),
					zap.Any("fields", records[i].Fields))
			}
		}
		return err
	}
	if err != nil {
		return err
	}

	in.Logger.Info("batch delivered", zap.Int("records", len(records)))
	return nil
}
