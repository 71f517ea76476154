package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/webhook"
)

// entityFlags selects entities and attributes. Identifiers written as
// /re/ are sent as patterns.
type entityFlags struct {
	ids        []string
	entityType string
	attributes []string
}

func (f *entityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.ids, "id", nil, "entity id or /regexp/ (repeatable)")
	cmd.Flags().StringVar(&f.entityType, "type", "", "entity type")
	cmd.Flags().StringSliceVar(&f.attributes, "attr", nil, "attribute to return (repeatable, default all)")
}

func (f *entityFlags) descriptor() (ngsi.Descriptor, error) {
	if len(f.ids) == 0 {
		return ngsi.Descriptor{}, errors.New("at least one --id is required")
	}
	d := ngsi.Descriptor{Attributes: f.attributes}
	for _, id := range f.ids {
		d.Entities = append(d.Entities, ngsi.EntityDescriptor{ID: id, Type: f.entityType})
	}
	return d, nil
}

// subscriptionFlags configures a standing subscription.
type subscriptionFlags struct {
	duration   string
	throttling string
	condValues []string
	reference  string
	poll       bool
}

func (f *subscriptionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.duration, "duration", "", "subscription duration, ISO 8601 (e.g. PT1H)")
	cmd.Flags().StringVar(&f.throttling, "throttling", "", "minimum time between notifications, ISO 8601")
	cmd.Flags().StringSliceVar(&f.condValues, "cond", nil, "attributes whose change triggers a notification (default --attr)")
	cmd.Flags().StringVar(&f.reference, "reference", "", "server push endpoint to subscribe and read as an event stream")
	cmd.Flags().BoolVar(&f.poll, "poll", false, "re-query the broker instead of subscribing")
}

// apply attaches the subscription to d. Without --reference or --poll the
// local webhook receiver from the configuration is used.
func (f *subscriptionFlags) apply(a *app, d *ngsi.Descriptor) {
	sub := &ngsi.SubscriptionDescriptor{
		Duration:   f.duration,
		Throttling: f.throttling,
		CondValues: f.condValues,
		Reference:  f.reference,
		Poll:       f.poll,
	}
	if f.reference == "" && !f.poll {
		sub.Webhook = &ngsi.WebhookConfig{
			Addr:         a.cfg.Webhook.Addr,
			Path:         a.cfg.Webhook.Path,
			AdvertiseURL: a.cfg.Webhook.AdvertiseURL,
		}
	}
	d.Subscription = sub
}

// receiver builds the webhook receiver with the configured credentials.
func (a *app) receiver() *webhook.Receiver {
	wc := a.cfg.Webhook
	return webhook.New(webhook.Config{
		Addr:         wc.Addr,
		Path:         wc.Path,
		AdvertiseURL: wc.AdvertiseURL,
		MaxBodySize:  wc.MaxBodySize,
		Token:        wc.Token,
		JWTSecret:    wc.JWTSecret,
		Logger:       a.logger,
	})
}
