// ABOUTME: Fans registry and correlator notifications out to several observers.
// ABOUTME: Lets metrics and the durable recorder watch the same events.

package gateway

import (
	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/registry"
)

type registryObservers []registry.Observer

func (o registryObservers) AgentRegistered(a registry.Agent, outcome registry.Outcome) {
	for _, obs := range o {
		obs.AgentRegistered(a, outcome)
	}
}

func (o registryObservers) AgentDeregistered(id string) {
	for _, obs := range o {
		obs.AgentDeregistered(id)
	}
}

func (o registryObservers) AgentStatusChanged(id string, from, to registry.Status) {
	for _, obs := range o {
		obs.AgentStatusChanged(id, from, to)
	}
}

type taskObservers []correlator.Observer

func (o taskObservers) TaskCreated(s correlator.Snapshot) {
	for _, obs := range o {
		obs.TaskCreated(s)
	}
}

func (o taskObservers) TaskFinished(s correlator.Snapshot) {
	for _, obs := range o {
		obs.TaskFinished(s)
	}
}
