package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/notification"
	"github.com/ankraft/acme-cse/internal/storage"
)

const subscriptionBridgeConsumerGroup = "subscription-bridge"

// runSubscriptionBridge consumes the Event Bus under its own consumer
// group (so it never competes with the notification engine's own
// subscriber) and keeps the engine's subscription Index in sync with
// `<subscription>` CREATE/DELETE primitives committed by the Dispatcher.
// This is the glue the Dispatcher deliberately stays ignorant of
// (notification.Subscription is the engine's own decoded view, built
// from the generic resource tree only here at the wiring layer).
func runSubscriptionBridge(ctx context.Context, bus eventbus.Bus, store storage.Store, engine *notification.Engine, logger *logging.Logger) error {
	ch, err := bus.Subscribe(ctx, subscriptionBridgeConsumerGroup, "bridge")
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				handleSubscriptionEvent(ctx, event, store, engine, logger)
			}
		}
	}()
	return nil
}

func handleSubscriptionEvent(ctx context.Context, event *eventbus.Event, store storage.Store, engine *notification.Engine, logger *logging.Logger) {
	switch event.Kind {
	case eventbus.KindResourceCreated:
		r, err := store.GetResource(ctx, event.ResourceRI)
		if err != nil || r.TY != model.TypeSubscription {
			return
		}
		sub := notification.FromResource(r)
		if err := engine.RegisterSubscription(ctx, sub); err != nil {
			logger.Warn("failed to register subscription with notification engine",
				zap.String("ri", r.RI), zap.Error(err))
		}

	case eventbus.KindResourceDeleted:
		// The resource is already gone by the time the delete event is
		// published, so there is no way to distinguish a Subscription's
		// ri from any other deleted resource's ri here. Unregister is a
		// harmless no-op against any ri the engine's Index never held,
		// so every delete is forwarded rather than requiring a second
		// lookup against a resource that no longer exists.
		engine.UnregisterSubscription(event.ResourceRI)
	}
}
