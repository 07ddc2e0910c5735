// Package control exports caterpillar's D-Bus service, de.sleepmap.Caterpillar:
// the SearchForUpdate/InstallUpdate methods, the State/Updated/MarkedForReboot
// read-only properties, and the UpdateFound signal. It is the thinnest
// possible adapter between internal/orchestrator's state machine and the bus;
// every actual decision is the orchestrator's.
package control

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dvzrv/caterpillar/internal/apperror"
	"github.com/dvzrv/caterpillar/internal/orchestrator"
)

// BusName, ObjectPath and IfaceName are exported so a caller can address
// the service over the bus after Export (the autorun bootstrap in
// cmd/caterpillar calls SearchForUpdate this way, mirroring the original
// daemon's own self-addressed call right after serve_at).
const (
	BusName    = "de.sleepmap.Caterpillar"
	ObjectPath = dbus.ObjectPath("/de/sleepmap/Caterpillar")
	IfaceName  = "de.sleepmap.Caterpillar"
)

var log = logrus.WithField("component", "control")

// update is the wire shape of orchestrator.Update for the UpdateFound
// signal: absolute bundle path, current system version, candidate version,
// and whether installing it was forced via an override.
type update struct {
	Name       string
	OldVersion string
	NewVersion string
	Force      bool
}

// Service exports the orchestrator over the system bus.
type Service struct {
	conn  *dbus.Conn
	orch  *orchestrator.Orchestrator
	props *prop.Properties
}

// Export claims BusName on conn, exports methods/properties/introspection
// for the orchestrator at ObjectPath, and wires the orchestrator's
// UpdateFound callback to emit the D-Bus signal.
func Export(conn *dbus.Conn, orch *orchestrator.Orchestrator) (*Service, error) {
	s := &Service{conn: conn, orch: orch}

	propsSpec := prop.Map{
		IfaceName: {
			"State":           {Value: orch.State().String(), Writable: false, Emit: prop.EmitTrue},
			"Updated":         {Value: orch.State().Updated, Writable: false, Emit: prop.EmitTrue},
			"MarkedForReboot": {Value: orch.State().MarkedForReboot(), Writable: false, Emit: prop.EmitTrue},
		},
	}
	props, err := prop.Export(conn, ObjectPath, propsSpec)
	if err != nil {
		return nil, errors.Wrap(err, "exporting properties")
	}
	s.props = props

	if err := conn.Export(s, ObjectPath, IfaceName); err != nil {
		return nil, errors.Wrap(err, "exporting methods")
	}

	if err := conn.Export(introspect.NewIntrospectable(serviceNode()), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, errors.Wrap(err, "exporting introspection data")
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, errors.Wrap(err, "requesting bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.Errorf("bus name %s is already owned", BusName)
	}

	orch.OnUpdateFound(s.emitUpdateFound)

	return s, nil
}

func serviceNode() *introspect.Node {
	return &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: IfaceName,
				Methods: []introspect.Method{
					{Name: "SearchForUpdate"},
					{Name: "InstallUpdate", Args: []introspect.Arg{
						{Name: "update", Type: "b", Direction: "in"},
						{Name: "reboot", Type: "b", Direction: "in"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "UpdateFound", Args: []introspect.Arg{
						{Name: "update", Type: "a(sssb)", Direction: "out"},
					}},
				},
				Properties: []introspect.Property{
					{Name: "State", Type: "s", Access: "read"},
					{Name: "Updated", Type: "b", Access: "read"},
					{Name: "MarkedForReboot", Type: "b", Access: "read"},
				},
			},
		},
	}
}

// SearchForUpdate is exported as the SearchForUpdate D-Bus method.
func (s *Service) SearchForUpdate() *dbus.Error {
	if err := s.orch.SearchForUpdate(context.Background()); err != nil {
		return asDbusError(err)
	}
	return nil
}

// InstallUpdate is exported as the InstallUpdate D-Bus method.
func (s *Service) InstallUpdate(update, reboot bool) *dbus.Error {
	if err := s.orch.InstallUpdate(context.Background(), update, reboot); err != nil {
		return asDbusError(err)
	}
	return nil
}

func asDbusError(err error) *dbus.Error {
	name := "de.sleepmap.Caterpillar.Error"
	switch err.(type) {
	case *apperror.WrongState:
		name = "de.sleepmap.Caterpillar.Error.WrongState"
	case *apperror.NoUpdateBundle:
		name = "de.sleepmap.Caterpillar.Error.NoUpdateBundle"
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}

func (s *Service) emitUpdateFound(u orchestrator.Update) {
	wire := []update{{Name: u.Name, OldVersion: u.OldVersion, NewVersion: u.NewVersion, Force: u.Force}}
	if err := s.conn.Emit(ObjectPath, IfaceName+".UpdateFound", wire); err != nil {
		log.WithError(err).Error("failed emitting UpdateFound signal")
	}
}

// WatchState polls the orchestrator's state and republishes it onto the
// exported properties until ctx is cancelled, so State/Updated/MarkedForReboot
// read over D-Bus reflect every transition (and trigger PropertiesChanged).
func (s *Service) WatchState(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var last orchestrator.State
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := s.orch.State()
			if current == last {
				continue
			}
			last = current
			if err := s.props.Set(IfaceName, "State", dbus.MakeVariant(current.String())); err != nil {
				log.WithError(err).Warn("failed publishing State property")
			}
			if err := s.props.Set(IfaceName, "Updated", dbus.MakeVariant(current.Updated)); err != nil {
				log.WithError(err).Warn("failed publishing Updated property")
			}
			if err := s.props.Set(IfaceName, "MarkedForReboot", dbus.MakeVariant(current.MarkedForReboot())); err != nil {
				log.WithError(err).Warn("failed publishing MarkedForReboot property")
			}
		}
	}
}
