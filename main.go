package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/ederbeen/gomphos/activitypub"
	"github.com/ederbeen/gomphos/blocking"
	"github.com/ederbeen/gomphos/cache"
	"github.com/ederbeen/gomphos/crawler"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/transport"
	"github.com/ederbeen/gomphos/util"
	"github.com/ederbeen/gomphos/web"
	"golang.org/x/crypto/bcrypt"
)

const actorSweepInterval = time.Hour

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	st := store.NewStore(conf.Conf.DataDir)
	if err := os.MkdirAll(conf.Conf.DataDir, 0755); err != nil {
		log.Fatalln(err)
	}

	if err := bootstrapAccount(st, conf); err != nil {
		log.Fatalln(err)
	}

	caches := cache.New(conf.Conf.DataDir)
	engine := blocking.NewEngine(st, conf.Conf.BlockedCacheSeconds)
	client := transport.NewClient(conf)
	filter := crawler.NewFilter(engine, conf.Conf.NewsInstance)

	instanceKey, err := instanceSigningKey(st, conf)
	if err != nil {
		log.Fatalln(err)
	}

	resolver := activitypub.NewResolver(client, caches, conf, instanceKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := activitypub.NewPool(ctx)
	deliverer := activitypub.NewDeliverer(conf, st, engine, client, resolver, pool)
	outbox := activitypub.NewOutbox(conf, st, engine, caches, deliverer)
	inbox := activitypub.NewInbox(conf, st, engine, caches, resolver, deliverer)

	go sweepActorCache(ctx, caches)

	deps := &web.Deps{
		Conf:    conf,
		Store:   st,
		Inbox:   inbox,
		Outbox:  outbox,
		Crawler: filter,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Run(deps); err != nil {
			log.Fatalln(err)
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("Could not notify readiness: %v", err)
	}

	<-done
	log.Println("Stopping federation server")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	pool.Wait()
}

// bootstrapAccount creates the first local account from GOMPHOS_ACCOUNT
// ("nickname:password") when it does not exist yet
func bootstrapAccount(st *store.Store, conf *util.AppConfig) error {
	spec := os.Getenv("GOMPHOS_ACCOUNT")
	if spec == "" {
		return nil
	}

	nickname, password, found := strings.Cut(spec, ":")
	if !found || !util.ValidNickname(nickname) || password == "" {
		return fmt.Errorf("malformed GOMPHOS_ACCOUNT, want nickname:password")
	}
	if st.HasAccount(nickname, conf.Conf.Domain) {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	keys := util.GeneratePemKeypair()
	acc := &domain.Account{
		Nickname:      nickname,
		Domain:        conf.Conf.Domain,
		PasswordHash:  string(hash),
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.SaveAccount(acc); err != nil {
		return err
	}
	log.Printf("Created account %s", acc.Handle())
	return nil
}

// instanceSigningKey loads or creates the instance-level keypair used
// for signed fetches in secure mode
func instanceSigningKey(st *store.Store, conf *util.AppConfig) (*transport.SigningKey, error) {
	err, keys := st.LoadInstanceKeys()
	if err != nil {
		keys = util.GeneratePemKeypair()
		if err := st.SaveInstanceKeys(keys); err != nil {
			return nil, err
		}
		log.Println("Generated instance keypair")
	}

	privateKey, err := activitypub.ParsePrivateKey(keys.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instance key: %w", err)
	}
	return &transport.SigningKey{
		KeyID:      fmt.Sprintf("https://%s/actor#main-key", conf.Conf.Domain),
		PrivateKey: privateKey,
	}, nil
}

// sweepActorCache evicts expired actor cache entries periodically
func sweepActorCache(ctx context.Context, caches *cache.Caches) {
	ticker := time.NewTicker(actorSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := caches.Persons.SweepExpired(); n > 0 {
				log.Printf("Evicted %d expired actor cache entries", n)
			}
		}
	}
}
