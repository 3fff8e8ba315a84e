// Command homeserver wires the room server, federation client, sync
// engine, and their shared storage/caching/signing-key infrastructure
// into one running process, the same single-binary deployment shape the
// teacher repository's monolith mode uses.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nexuschat/coreserver/federationapi/queue"
	"github.com/nexuschat/coreserver/internal/caching"
	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/internal/keyring"
	"github.com/nexuschat/coreserver/setup"
	"github.com/nexuschat/coreserver/setup/config"

	clientrouting "github.com/nexuschat/coreserver/clientapi/routing"
	federation "github.com/nexuschat/coreserver/federationapi/internal"
	"github.com/nexuschat/coreserver/federationapi/routing"
	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
	"github.com/nexuschat/coreserver/roomserver/internal/input"
	"github.com/nexuschat/coreserver/roomserver/state"
	"github.com/nexuschat/coreserver/roomserver/storage"
	syncrouting "github.com/nexuschat/coreserver/syncapi/sync"
)

var (
	configPath = flag.String("config", "coreserver.yaml", "Path to the YAML configuration file")
	bindAddr   = flag.String("bind", ":8448", "Address to listen on for client and federation HTTP requests")
	logDir     = flag.String("log-dir", "", "Directory for rotated log files; empty disables file logging")
)

func main() {
	flag.Parse()

	if err := setup.SetupLogging(*logDir, "homeserver"); err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	sqlDB, err := sql.Open(driverName(cfg.Global.Database.Driver), cfg.Global.Database.ConnectionString)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open database")
	}
	db, err := storage.NewDatabase(sqlDB, cfg.Global.Database.Driver)
	if err != nil {
		logrus.WithError(err).Fatal("failed to migrate database")
	}

	caches, err := caching.NewCaches(cfg.Global.Cache.MaxCostBytes)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build caches")
	}
	ttlCaches := caching.NewTTLCaches()

	kr := keyring.NewKeyring(http.DefaultClient, cfg.Global.TrustedKeyServers, caches, ttlCaches)
	verifyKey := func(ctx context.Context, serverName, keyID string) ([]byte, error) {
		pub, err := kr.VerifyKey(ctx, serverName, keyID)
		return []byte(pub), err
	}

	builder := roomserverinternal.NewBuilder(db)
	inviter := roomserverinternal.NewInviter(db, noopIgnoreChecker{})
	inputer := input.NewInputer(db, builder, verifyKey, ttlCaches)
	membership := roomserverinternal.NewMembership(db)
	directory := roomserverinternal.NewDirectory(db, state.NewAccessor(db))

	priv := cfg.Global.PrivateKey
	if len(priv) == 0 {
		_, priv, err = ed25519.GenerateKey(nil)
		if err != nil {
			logrus.WithError(err).Fatal("failed to generate an ephemeral signing key")
		}
		logrus.Warn("no private_key_path configured: generated an ephemeral signing key for this run only")
	}

	client := federation.NewClient(http.DefaultClient, cfg.Global.ServerName, cfg.Global.KeyID, priv)
	joiner := federation.NewJoiner(client, db, builder, verifyKey, cfg.Global.ServerName, cfg.Global.KeyID, priv, supportedRoomVersions(), membership)
	leaver := federation.NewLeaver(client, db, builder, inviter, cfg.Global.ServerName, cfg.Global.KeyID, priv)
	inviteSender := federation.NewInviteSender(client, inviter, inputer, verifyKey, cfg.Global.ServerName, cfg.Global.KeyID, priv)

	natsServer, natsConn, err := queue.EmbeddedServer(cfg.Global.JetStream.StoreDir)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start embedded NATS server")
	}
	defer natsServer.Shutdown()
	defer natsConn.Close()

	publisher, err := queue.NewPublisher(natsConn)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create output event publisher")
	}

	syncEngine := syncrouting.NewEngine(db, caches)
	if _, err := queue.Subscribe(natsConn, "sync-notifier", func(ctx context.Context, ev queue.OutputEvent) error {
		notifyRoomMembers(ctx, db, syncEngine.Notifier, ev.RoomID)
		return nil
	}); err != nil {
		logrus.WithError(err).Fatal("failed to subscribe the sync notifier")
	}
	_ = publisher // wired for the room server's ingress path to publish into, once it owns that call site

	router := mux.NewRouter()
	routing.Register(router, db, joiner, leaver, inviteSender, stubClientUserID)
	syncrouting.Register(router, syncEngine, stubClientUserID)
	clientrouting.Register(router, directory, stubClientUserID)

	srv := &http.Server{
		Addr:              *bindAddr,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}
	logrus.WithField("addr", *bindAddr).Info("homeserver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("server exited with an error")
	}
}

func driverName(configured string) string {
	if configured == "sqlite" {
		return "sqlite"
	}
	return configured
}

func supportedRoomVersions() []string {
	return []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", string(eventauth.DefaultRoomVersion)}
}

// stubClientUserID is a placeholder access-token decoder: a real
// deployment wires this to whatever issues and validates this server's
// access tokens, which is out of scope for the room server, federation
// client, and sync engine this command assembles.
func stubClientUserID(r *http.Request) (string, error) {
	if userID := r.Header.Get("X-Debug-User-ID"); userID != "" {
		return userID, nil
	}
	return "", errMissingUserID
}

type missingUserIDError string

func (e missingUserIDError) Error() string { return string(e) }

const errMissingUserID = missingUserIDError("no X-Debug-User-ID header: this deployment has no real access-token verifier wired in yet")

// noopIgnoreChecker treats no user as ignored, since this deployment has
// no ignore-list store wired in yet.
type noopIgnoreChecker struct{}

func (noopIgnoreChecker) IsIgnored(ctx context.Context, ignorer, ignoree string) (bool, error) {
	return false, nil
}

// notifyRoomMembers wakes every local user who might care about a new
// event in roomID: every member the room server has ever recorded for
// that room. A real deployment would track live local-user membership
// more precisely; walking stored membership events is the correct
// result, just not the cheapest one.
func notifyRoomMembers(ctx context.Context, db *storage.Database, notifier *syncrouting.Notifier, roomID string) {
	events, err := db.EventsSince(ctx, roomID, 0, 0)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to look up room members to notify")
		return
	}
	seen := map[string]bool{}
	for _, ev := range events {
		if ev.EventType != "m.room.member" || ev.StateKey == nil || seen[*ev.StateKey] {
			continue
		}
		seen[*ev.StateKey] = true
		notifier.Notify(*ev.StateKey)
	}
}
