package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/park2mqtt/internal/buildinfo"
	"github.com/nugget/park2mqtt/internal/command"
	"github.com/nugget/park2mqtt/internal/config"
	"github.com/nugget/park2mqtt/internal/poll"
	"github.com/nugget/park2mqtt/internal/store"
	"github.com/nugget/park2mqtt/internal/twopark"
)

// commandTimeout bounds a single inbound command's API round trips.
const commandTimeout = 30 * time.Second

// diagnosticsInterval is how often the uptime and last-error
// diagnostics are republished between coordinator updates.
const diagnosticsInterval = time.Minute

// BridgeConfig wires the bridge to the rest of the process. The
// concrete dependencies are constructed in main and passed by
// reference; the bridge holds no globals.
type BridgeConfig struct {
	MQTT        config.MQTTConfig
	InstanceID  string
	Products    []twopark.Product
	Coordinator *poll.Coordinator
	Dispatcher  *command.Dispatcher
	Selections  *command.SelectionStore
	Settings    *store.Store
	Logger      *slog.Logger
}

// Bridge manages the MQTT connection, publishes HA discovery config
// and entity states, and routes inbound command topics to the
// dispatcher.
type Bridge struct {
	cfg    BridgeConfig
	device DeviceInfo
	logger *slog.Logger

	products map[string]twopark.Product

	// Command topic routing tables, fixed at construction.
	cmdRefresh    string
	cmdInterval   string
	cmdStart      string
	cmdStop       string
	selectByTopic map[string]string // command topic → product ID

	mu            sync.Mutex
	cm            *autopaho.ConnectionManager
	ctx           context.Context
	announced     map[string]bool     // entity suffixes with discovery published
	selectOptions map[string][]string // product ID → last published options
}

// conn returns the connection manager and lifetime context set by
// Start. cm is nil until Start has connected; callbacks arriving
// before that drop their work (discovery is republished on connect).
func (b *Bridge) conn() (*autopaho.ConnectionManager, context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cm, b.ctx
}

// NewBridge creates a Bridge and registers its coordinator callbacks.
// Call [Bridge.Start] to connect.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		cfg:           cfg,
		device:        NewDeviceInfo(cfg.InstanceID, cfg.MQTT.DeviceName),
		logger:        cfg.Logger,
		products:      make(map[string]twopark.Product, len(cfg.Products)),
		selectByTopic: make(map[string]string),
		announced:     make(map[string]bool),
		selectOptions: make(map[string][]string),
	}

	b.cmdRefresh = b.baseTopic() + "/refresh/press"
	b.cmdInterval = b.baseTopic() + "/refresh_interval/set"
	b.cmdStart = b.baseTopic() + "/start_parking/set"
	b.cmdStop = b.baseTopic() + "/stop_parking/set"

	for _, p := range cfg.Products {
		b.products[p.ID] = p
		if !poll.IsFLPN(p.Options) {
			b.selectByTopic[b.selectCommandTopic(p.ID)] = p.ID
		}
	}

	// New-member callbacks fire before snapshot listeners, so a fresh
	// member's discovery config is on the broker before its first state.
	cfg.Coordinator.OnNewMembers(b.handleNewMembers)
	cfg.Coordinator.AddListener(b.handleSnapshot)

	return b
}

// Start connects to the MQTT broker and blocks until ctx is
// cancelled. On every (re-)connect it publishes discovery configs and
// a birth message and subscribes to the command topics.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.MQTT.Username,
		ConnectPassword: []byte(b.cfg.MQTT.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.MQTT.Broker)
			b.onConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "park2mqtt-" + b.cfg.MQTT.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.route(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	// Wait for the initial connection before settling into the
	// diagnostics loop. A timeout is logged, not fatal, since autopaho
	// keeps retrying in the background.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.runDiagnosticsLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (b *Bridge) Stop(ctx context.Context) error {
	cm, _ := b.conn()
	if cm == nil {
		return nil
	}
	b.publish(ctx, b.availabilityTopic(), []byte("offline"), 1, true)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used by connwatch health probes.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	cm, _ := b.conn()
	if cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	return "park2mqtt/" + b.cfg.MQTT.DeviceName
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/state"
}

func (b *Bridge) attributesTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/attributes"
}

func (b *Bridge) discoveryTopic(component, entity string) string {
	return b.cfg.MQTT.DiscoveryPrefix + "/" + component + "/" + b.cfg.MQTT.DeviceName + "/" + entity + "/config"
}

func (b *Bridge) selectCommandTopic(productID string) string {
	return b.baseTopic() + "/" + Slug(productID) + "_license_plate/set"
}

// Entity suffixes. Member entities key on the stable member ID, not
// the plate, so a plate registered twice stays unambiguous.
func balanceEntity(productID string) string {
	return Slug(productID) + "_balance"
}

func activeParkingEntity(productID string) string {
	return Slug(productID) + "_active_parking"
}

func memberEntity(productID, memberID string) string {
	return Slug(productID) + "_" + Slug(memberID) + "_member"
}

func selectEntity(productID string) string {
	return Slug(productID) + "_license_plate"
}

// --- Connection lifecycle ---

func (b *Bridge) onConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	// The first connection can come up before NewConnection returns,
	// so the manager is stored here as well as in Start. Retained
	// discovery is republished wholesale on every connect.
	b.mu.Lock()
	b.cm = cm
	b.announced = make(map[string]bool)
	b.selectOptions = make(map[string][]string)
	b.mu.Unlock()

	b.publishDeviceDiscovery(ctx)
	if snap := b.cfg.Coordinator.Snapshot(); snap != nil {
		b.ensureDiscovery(ctx, snap)
		b.publishStates(ctx, snap)
	}
	b.publish(ctx, b.availabilityTopic(), []byte("online"), 1, true)
	b.publishNumberState(ctx)
	b.publishDiagnostics(ctx)

	subs := []paho.SubscribeOptions{
		{Topic: b.cmdRefresh, QoS: 1},
		{Topic: b.cmdInterval, QoS: 1},
		{Topic: b.cmdStart, QoS: 1},
		{Topic: b.cmdStop, QoS: 1},
	}
	for topic := range b.selectByTopic {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "error", err)
	} else {
		b.logger.Debug("mqtt command topics subscribed", "topics", len(subs))
	}
}

// runDiagnosticsLoop periodically republishes the diagnostic entities
// so refresh failures become visible even though failed cycles don't
// notify snapshot listeners. Blocks until ctx is cancelled.
func (b *Bridge) runDiagnosticsLoop(ctx context.Context) {
	ticker := time.NewTicker(diagnosticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishDiagnostics(ctx)
		}
	}
}

// --- Discovery ---

// publishDeviceDiscovery announces the device-wide entities: refresh
// button, refresh-interval number, and the diagnostic sensors.
func (b *Bridge) publishDeviceDiscovery(ctx context.Context) {
	avail := b.availabilityTopic()
	name := b.device.Name

	b.publishConfig(ctx, "button", "refresh", ButtonConfig{
		Name:              name + " refresh",
		UniqueID:          b.cfg.InstanceID + "_refresh",
		CommandTopic:      b.cmdRefresh,
		AvailabilityTopic: avail,
		Device:            b.device,
		Icon:              "mdi:refresh",
		EntityCategory:    "config",
	})

	b.publishConfig(ctx, "number", "refresh_interval", NumberConfig{
		Name:              name + " refresh interval",
		UniqueID:          b.cfg.InstanceID + "_refresh_interval",
		StateTopic:        b.stateTopic("refresh_interval"),
		CommandTopic:      b.cmdInterval,
		Min:               config.MinRefreshIntervalMin,
		Max:               config.MaxRefreshIntervalMin,
		Step:              1,
		Mode:              "box",
		UnitOfMeasurement: "min",
		AvailabilityTopic: avail,
		Device:            b.device,
		Icon:              "mdi:timer-cog-outline",
		EntityCategory:    "config",
	})

	b.publishConfig(ctx, "sensor", "last_error", SensorConfig{
		Name:              name + " last error",
		UniqueID:          b.cfg.InstanceID + "_last_error",
		StateTopic:        b.stateTopic("last_error"),
		AvailabilityTopic: avail,
		Device:            b.device,
		Icon:              "mdi:alert-circle-outline",
		EntityCategory:    "diagnostic",
	})

	b.publishConfig(ctx, "sensor", "uptime", SensorConfig{
		Name:              name + " uptime",
		UniqueID:          b.cfg.InstanceID + "_uptime",
		StateTopic:        b.stateTopic("uptime"),
		AvailabilityTopic: avail,
		Device:            b.device,
		Icon:              "mdi:clock-outline",
		EntityCategory:    "diagnostic",
	})
}

// ensureDiscovery publishes discovery configs for every product and
// member entity in the snapshot that hasn't been announced on this
// connection, and republishes a select config when its plate options
// changed.
func (b *Bridge) ensureDiscovery(ctx context.Context, snap poll.Snapshot) {
	avail := b.availabilityTopic()

	for _, product := range b.cfg.Products {
		state, ok := snap[product.ID]
		if !ok {
			continue
		}

		if b.announce(balanceEntity(product.ID)) {
			b.publishConfig(ctx, "sensor", balanceEntity(product.ID),
				b.balanceSensorConfig(product.ID, state))
		}

		if b.announce(activeParkingEntity(product.ID)) {
			b.publishConfig(ctx, "sensor", activeParkingEntity(product.ID), SensorConfig{
				Name:                state.Name + " active parking",
				UniqueID:            b.cfg.InstanceID + "_" + activeParkingEntity(product.ID),
				StateTopic:          b.stateTopic(activeParkingEntity(product.ID)),
				JSONAttributesTopic: b.attributesTopic(activeParkingEntity(product.ID)),
				AvailabilityTopic:   avail,
				Device:              b.device,
				Icon:                "mdi:car-multiple",
				StateClass:          "measurement",
			})
		}

		for _, m := range state.Members {
			b.announceMember(ctx, product.ID, state.Name, m)
		}

		if !poll.IsFLPN(product.Options) {
			b.ensureSelectDiscovery(ctx, product.ID, state)
		}
	}
}

// announceMember publishes the discovery config for one member sensor
// if it hasn't been announced on this connection.
func (b *Bridge) announceMember(ctx context.Context, productID, productName string, m poll.Member) {
	entity := memberEntity(productID, m.ID)
	if !b.announce(entity) {
		return
	}
	b.publishConfig(ctx, "sensor", entity, SensorConfig{
		Name:                productName + " " + m.Identifier,
		UniqueID:            b.cfg.InstanceID + "_" + entity,
		StateTopic:          b.stateTopic(entity),
		JSONAttributesTopic: b.attributesTopic(entity),
		AvailabilityTopic:   b.availabilityTopic(),
		Device:              b.device,
		Icon:                "mdi:car",
	})
}

// balanceSensorConfig builds the discovery payload for a product's
// balance sensor. Products billed in TIMES count prepaid sessions;
// everything else is a monetary balance in euros.
func (b *Bridge) balanceSensorConfig(productID string, state poll.ProductState) SensorConfig {
	cfg := SensorConfig{
		Name:              state.Name + " balance",
		UniqueID:          b.cfg.InstanceID + "_" + balanceEntity(productID),
		StateTopic:        b.stateTopic(balanceEntity(productID)),
		AvailabilityTopic: b.availabilityTopic(),
		Device:            b.device,
		StateClass:        "total",
	}
	if state.CurrencyCode == "TIMES" {
		cfg.UnitOfMeasurement = "times"
		cfg.Icon = "mdi:counter"
	} else {
		cfg.DeviceClass = "monetary"
		cfg.UnitOfMeasurement = "EUR"
	}
	return cfg
}

// plateOptions formats the select options for a member list in
// snapshot order.
func plateOptions(members []poll.Member) []string {
	options := make([]string, 0, len(members))
	for _, m := range members {
		options = append(options, command.FormatPlateOption(m.Identifier, m.Nickname))
	}
	return options
}

// selectionIsStale reports whether a selected option no longer appears
// among the published options and must be cleared.
func selectionIsStale(current string, options []string) bool {
	return current != "" && !slices.Contains(options, current)
}

// selectConfig builds the discovery payload for a visitor product's
// license-plate select.
func (b *Bridge) selectConfig(productID, productName string, options []string) SelectConfig {
	entity := selectEntity(productID)
	return SelectConfig{
		Name:              productName + " license plate",
		UniqueID:          b.cfg.InstanceID + "_" + entity,
		StateTopic:        b.stateTopic(entity),
		CommandTopic:      b.selectCommandTopic(productID),
		Options:           options,
		AvailabilityTopic: b.availabilityTopic(),
		Device:            b.device,
		Icon:              "mdi:car",
	}
}

// ensureSelectDiscovery republishes a visitor product's license-plate
// select when its options changed, and clears a selection whose plate
// disappeared.
func (b *Bridge) ensureSelectDiscovery(ctx context.Context, productID string, state poll.ProductState) {
	options := plateOptions(state.Members)

	b.mu.Lock()
	changed := !slices.Equal(b.selectOptions[productID], options)
	if changed {
		b.selectOptions[productID] = options
	}
	b.mu.Unlock()

	if !changed {
		return
	}

	entity := selectEntity(productID)
	b.publishConfig(ctx, "select", entity, b.selectConfig(productID, state.Name, options))

	if current := b.cfg.Selections.Get(productID); selectionIsStale(current, options) {
		b.cfg.Selections.Clear(productID)
		b.publish(ctx, b.stateTopic(entity), []byte{}, 1, true)
		b.logger.Debug("cleared stale plate selection",
			"product_id", productID, "option", current)
	}
}

// announce marks an entity suffix as discovered, reporting whether it
// was new on this connection.
func (b *Bridge) announce(entity string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.announced[entity] {
		return false
	}
	b.announced[entity] = true
	return true
}

// --- Coordinator callbacks ---

func (b *Bridge) handleNewMembers(productID string, members []poll.Member) {
	cm, ctx := b.conn()
	if cm == nil {
		return
	}
	product, ok := b.products[productID]
	if !ok {
		return
	}
	for _, m := range members {
		b.announceMember(ctx, productID, product.Name, m)
	}
}

func (b *Bridge) handleSnapshot(snap poll.Snapshot) {
	cm, ctx := b.conn()
	if cm == nil {
		return
	}
	b.ensureDiscovery(ctx, snap)
	b.publishStates(ctx, snap)
	b.publishDiagnostics(ctx)
}

// --- State publishing ---

// memberAttrs are the JSON attributes attached to member sensors and
// the active-parking member list.
type memberAttrs struct {
	LicensePlate  string `json:"license_plate"`
	Nickname      string `json:"nickname,omitempty"`
	Active        bool   `json:"active"`
	ParkingStart  string `json:"parking_start,omitempty"`
	ParkingEnd    string `json:"parking_end,omitempty"`
	EstimatedCost string `json:"estimated_cost,omitempty"`
	ActionID      string `json:"action_id,omitempty"`
}

func newMemberAttrs(m poll.Member) memberAttrs {
	attrs := memberAttrs{
		LicensePlate: m.Identifier,
		Nickname:     m.Nickname,
		Active:       m.Active,
	}
	if action, ok := poll.CurrentAction(m); ok {
		attrs.ParkingStart = action.ParkingStart
		attrs.ParkingEnd = action.ParkingEnd
		attrs.EstimatedCost = action.EstimatedCost
		attrs.ActionID = action.ActionID
	}
	return attrs
}

func (b *Bridge) publishStates(ctx context.Context, snap poll.Snapshot) {
	for _, product := range b.cfg.Products {
		state, ok := snap[product.ID]
		if !ok {
			continue
		}

		balance := "unknown"
		if state.Balance != nil {
			balance = strconv.FormatFloat(*state.Balance, 'f', 2, 64)
		}
		b.publish(ctx, b.stateTopic(balanceEntity(product.ID)), []byte(balance), 0, true)

		active := 0
		members := make([]memberAttrs, 0, len(state.Members))
		for _, m := range state.Members {
			if m.Active {
				active++
			}
			members = append(members, newMemberAttrs(m))

			entity := memberEntity(product.ID, m.ID)
			status := "not_parked"
			if m.Active {
				status = "parked"
			}
			b.publish(ctx, b.stateTopic(entity), []byte(status), 0, true)
			b.publishJSON(ctx, b.attributesTopic(entity), newMemberAttrs(m))
		}

		b.publish(ctx, b.stateTopic(activeParkingEntity(product.ID)),
			[]byte(strconv.Itoa(active)), 0, true)
		b.publishJSON(ctx, b.attributesTopic(activeParkingEntity(product.ID)),
			map[string][]memberAttrs{"members": members})

		if !poll.IsFLPN(product.Options) {
			if option := b.cfg.Selections.Get(product.ID); option != "" {
				b.publish(ctx, b.stateTopic(selectEntity(product.ID)), []byte(option), 0, true)
			}
		}
	}

	b.logger.Debug("mqtt entity states published", "products", len(snap))
}

func (b *Bridge) publishNumberState(ctx context.Context) {
	minutes := int(b.cfg.Coordinator.Interval().Minutes())
	b.publish(ctx, b.stateTopic("refresh_interval"),
		[]byte(strconv.Itoa(minutes)), 0, true)
}

func (b *Bridge) publishDiagnostics(ctx context.Context) {
	lastError := "ok"
	if err := b.cfg.Coordinator.LastError(); err != nil {
		lastError = err.Error()
	}
	b.publish(ctx, b.stateTopic("last_error"), []byte(lastError), 0, true)
	b.publish(ctx, b.stateTopic("uptime"),
		[]byte(buildinfo.Uptime().String()), 0, true)
}

// --- Command routing ---

// route dispatches one inbound MQTT message to its handler. Handlers
// run on paho's receive goroutine; command failures are logged and
// surfaced through the last-error sensor, never fatal.
func (b *Bridge) route(topic string, payload []byte) {
	switch topic {
	case b.cmdRefresh:
		b.logger.Info("refresh requested via mqtt")
		b.cfg.Coordinator.RequestRefresh()

	case b.cmdInterval:
		b.handleIntervalSet(string(payload))

	case b.cmdStart:
		b.handleStartParking(payload)

	case b.cmdStop:
		b.handleStopParking(payload)

	default:
		if productID, ok := b.selectByTopic[topic]; ok {
			b.handlePlateSelect(productID, string(payload))
		}
	}
}

func (b *Bridge) handleIntervalSet(payload string) {
	value, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		b.logger.Warn("invalid refresh interval payload", "payload", payload)
		return
	}
	minutes := config.ClampRefreshInterval(int(value))

	b.cfg.Coordinator.SetInterval(time.Duration(minutes) * time.Minute)
	if err := b.cfg.Settings.SetRefreshInterval(minutes); err != nil {
		b.logger.Warn("persist refresh interval", "error", err)
	}
	_, ctx := b.conn()
	b.publishNumberState(ctx)
}

func (b *Bridge) handlePlateSelect(productID, option string) {
	b.cfg.Selections.Set(productID, option)
	_, ctx := b.conn()
	b.publish(ctx, b.stateTopic(selectEntity(productID)), []byte(option), 0, true)
	b.logger.Debug("plate selected", "product_id", productID, "option", option)
}

// startParkingRequest is the JSON payload of the start_parking command
// topic. LicensePlate may be omitted to use the selected plate.
type startParkingRequest struct {
	ProductID    string `json:"product_id"`
	LicensePlate string `json:"license_plate"`
	TimeEnd      string `json:"time_end"`
}

// stopParkingRequest is the JSON payload of the stop_parking command
// topic.
type stopParkingRequest struct {
	ProductID    string `json:"product_id"`
	LicensePlate string `json:"license_plate"`
}

func (b *Bridge) handleStartParking(payload []byte) {
	var req startParkingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.reportCommandError("start_parking", fmt.Errorf("invalid payload: %w", err))
		return
	}

	_, runCtx := b.conn()
	ctx, cancel := context.WithTimeout(runCtx, commandTimeout)
	defer cancel()

	if err := b.cfg.Dispatcher.StartParking(ctx, req.ProductID, req.LicensePlate, req.TimeEnd); err != nil {
		b.reportCommandError("start_parking", err)
	}
}

func (b *Bridge) handleStopParking(payload []byte) {
	var req stopParkingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.reportCommandError("stop_parking", fmt.Errorf("invalid payload: %w", err))
		return
	}

	_, runCtx := b.conn()
	ctx, cancel := context.WithTimeout(runCtx, commandTimeout)
	defer cancel()

	if err := b.cfg.Dispatcher.StopParking(ctx, req.ProductID, req.LicensePlate); err != nil {
		b.reportCommandError("stop_parking", err)
	}
}

func (b *Bridge) reportCommandError(cmd string, err error) {
	var userErr *command.UserError
	if errors.As(err, &userErr) {
		b.logger.Warn("command rejected", "command", cmd, "reason", userErr.Message)
	} else {
		b.logger.Warn("command failed", "command", cmd, "error", err)
	}
	_, ctx := b.conn()
	b.publish(ctx, b.stateTopic("last_error"),
		[]byte(cmd+": "+err.Error()), 0, true)
}

// --- Publish helpers ---

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) {
	cm, _ := b.conn()
	if cm == nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		b.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishJSON(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	b.publish(ctx, topic, payload, 0, true)
}

func (b *Bridge) publishConfig(ctx context.Context, component, entity string, cfg any) {
	cm, _ := b.conn()
	if cm == nil {
		return
	}
	topic := b.discoveryTopic(component, entity)
	payload, err := json.Marshal(cfg)
	if err != nil {
		b.logger.Error("mqtt marshal discovery payload",
			"entity", entity, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
	} else {
		b.logger.Debug("mqtt discovery published",
			"entity", entity, "topic", topic)
	}
}
