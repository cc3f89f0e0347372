// Package resourceregistry registers every built-in resource variant.
package resourceregistry

import (
	"errors"

	pkgerrors "github.com/c360/radar/errors"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/resource/messagelist"
	"github.com/c360/radar/resource/presence"
	"github.com/c360/radar/resource/status"
)

// Register installs the presence, status and message list factories.
func Register(factories *resource.Factories) error {
	if factories == nil {
		return pkgerrors.WrapFatal(errors.New("factories cannot be nil"),
			"ResourceRegistry", "Register", "factories validation")
	}

	if err := factories.Register(resource.KindPresence, presence.New); err != nil {
		return pkgerrors.WrapInvalid(err, "ResourceRegistry", "Register", "presence registration")
	}
	if err := factories.Register(resource.KindStatus, status.New); err != nil {
		return pkgerrors.WrapInvalid(err, "ResourceRegistry", "Register", "status registration")
	}
	if err := factories.Register(resource.KindMessageList, messagelist.New); err != nil {
		return pkgerrors.WrapInvalid(err, "ResourceRegistry", "Register", "message list registration")
	}
	return nil
}

// Default returns factories with every built-in variant registered.
func Default() *resource.Factories {
	f := resource.NewFactories()
	if err := Register(f); err != nil {
		panic(err)
	}
	return f
}
