package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	stitchlog "github.com/scootdev/stitch/common/log"
	"github.com/scootdev/stitch/common/log/hooks"
	"github.com/scootdev/stitch/common/stats"
	"github.com/scootdev/stitch/common/trace"
	"github.com/scootdev/stitch/config"
	"github.com/scootdev/stitch/messaging"
	"github.com/scootdev/stitch/resilience"
	"github.com/scootdev/stitch/saga"
)

// Demo binary running a three-step order saga over the in-memory bus
// with the full resilience pipeline, no external services required.
//	Flags:
//		--config_file [path to a JSON config, defaults apply if omitted]
//		--log_level [<error|info|debug> level and above should be logged]
//		--fail_at [step name that should fail, to watch compensation run]

type orderPayload struct {
	OrderId       int    `json:"orderId"`
	Amount        int    `json:"amount"`
	ReservationId string `json:"reservationId"`
	PaymentId     string `json:"paymentId"`
	ShipmentId    string `json:"shipmentId"`
}

type reserveStock struct {
	OrderId int `json:"orderId"`
}

type stockReserved struct {
	ReservationId string `json:"reservationId"`
}

func main() {
	configFile := flag.String("config_file", "", "JSON config file; defaults apply if omitted")
	logLevel := flag.String("log_level", "info", "error|info|debug")
	failAt := flag.String("fail_at", "", "step name that should fail, to watch compensation run")
	flag.Parse()

	log.AddHook(hooks.NewContextHook())
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(level)
	// The engines log through the shared common/log logger.
	stitchlog.AddHook(hooks.NewContextHook())
	stitchlog.SetLevel(level)

	var text []byte
	if *configFile != "" {
		if text, err = os.ReadFile(*configFile); err != nil {
			log.Fatal("Failed to read config file: ", err)
		}
	}
	cfg, err := config.Parse(text)
	if err != nil {
		log.Fatal("Failed to parse config: ", err)
	}

	stat := stats.DefaultStatsReceiver()
	tracer := trace.NewTracer()

	bus, err := messaging.NewMemoryBus("demo", stat, tracer)
	if err != nil {
		log.Fatal("Failed to create bus: ", err)
	}
	defer bus.Close()

	// The inventory side of the demo answers reservation requests.
	_, err = bus.Subscribe("main.reserveStock", func(ctx context.Context, env *messaging.Envelope) error {
		var msg reserveStock
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return bus.Reply(ctx, env, stockReserved{ReservationId: fmt.Sprintf("res-%d", msg.OrderId)})
	}, "")
	if err != nil {
		log.Fatal("Failed to subscribe: ", err)
	}

	retryCfg, err := cfg.Retry.Create()
	if err != nil {
		log.Fatal(err)
	}
	breakerCfg, err := cfg.CircuitBreaker.Create()
	if err != nil {
		log.Fatal(err)
	}
	timeout, err := cfg.Timeout.Create()
	if err != nil {
		log.Fatal(err)
	}

	retrier := resilience.NewRetrier("charge", retryCfg, stat)
	breaker := resilience.NewCircuitBreaker("payments", breakerCfg, stat)
	policy := resilience.NewPolicy(retrier, breaker, timeout)

	// The payment processor flakes once before accepting, to show the
	// retry policy at work.
	var chargeAttempts int32

	def, err := saga.MakeDefinition("order",
		saga.Step{
			Name: "reserve", Order: 1,
			Execute: func(ctx context.Context, payload interface{}) saga.StepOutcome {
				p := payload.(*orderPayload)
				if *failAt == "reserve" {
					return saga.StepFailure("induced failure", nil)
				}
				reply, err := bus.Request(ctx, reserveStock{OrderId: p.OrderId}, "", 5*time.Second)
				if err != nil {
					return saga.StepFailure("reserving stock", err)
				}
				var reserved stockReserved
				if err := reply.Decode(&reserved); err != nil {
					return saga.StepFailure("decoding reservation", err)
				}
				p.ReservationId = reserved.ReservationId
				return saga.StepSuccess()
			},
			Compensate: func(ctx context.Context, payload interface{}) saga.StepOutcome {
				p := payload.(*orderPayload)
				log.Info("releasing reservation ", p.ReservationId)
				p.ReservationId = ""
				return saga.StepSuccess()
			},
		},
		saga.Step{
			Name: "charge", Order: 2,
			Execute: func(ctx context.Context, payload interface{}) saga.StepOutcome {
				p := payload.(*orderPayload)
				if *failAt == "charge" {
					return saga.StepFailure("induced failure", nil)
				}
				err := policy.Execute(ctx, func(ctx context.Context) error {
					if atomic.AddInt32(&chargeAttempts, 1) == 1 {
						return errors.New("payment gateway hiccup")
					}
					p.PaymentId = fmt.Sprintf("pay-%d", p.OrderId)
					return nil
				})
				if err != nil {
					return saga.StepFailure("charging payment", err)
				}
				return saga.StepSuccess()
			},
			Compensate: func(ctx context.Context, payload interface{}) saga.StepOutcome {
				p := payload.(*orderPayload)
				log.Info("refunding payment ", p.PaymentId)
				p.PaymentId = ""
				return saga.StepSuccess()
			},
		},
		saga.Step{
			Name: "ship", Order: 3,
			Execute: func(ctx context.Context, payload interface{}) saga.StepOutcome {
				p := payload.(*orderPayload)
				if *failAt == "ship" {
					return saga.StepFailure("induced failure", nil)
				}
				p.ShipmentId = fmt.Sprintf("shp-%d", p.OrderId)
				return saga.StepSuccess()
			},
			Compensate: func(ctx context.Context, payload interface{}) saga.StepOutcome {
				p := payload.(*orderPayload)
				log.Info("cancelling shipment ", p.ShipmentId)
				p.ShipmentId = ""
				return saga.StepSuccess()
			},
		},
	)
	if err != nil {
		log.Fatal("Failed to define saga: ", err)
	}

	orchestrator := saga.MakeOrchestrator(stat, tracer)
	outcome := orchestrator.Run(context.Background(), def, &orderPayload{OrderId: 1, Amount: 100})

	if outcome.IsSuccess() {
		p := outcome.Payload.(*orderPayload)
		log.Infof("order saga succeeded: reservation=%s payment=%s shipment=%s",
			p.ReservationId, p.PaymentId, p.ShipmentId)
	} else {
		log.Infof("order saga finished with status %v: %v", outcome.Status, outcome.Err)
	}

	fmt.Println(string(stat.Render(true)))
}
