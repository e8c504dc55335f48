package populate

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/go-redis/redis/v7"
	"github.com/sirupsen/logrus"

	"slowbench/internal/config"
)

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randValue generates random alphanumeric data of the given size.
func randValue(rng *rand.Rand, size int) string {
	b := make([]byte, size)
	for i := range b {
		b[i] = alnum[rng.Intn(len(alnum))]
	}
	return string(b)
}

// Key returns the name of the i-th populated string key.
func Key(i int) string {
	return fmt.Sprintf("key-%d", i)
}

// Keys enumerates the full populated key set.
func Keys(count int) []string {
	keys := make([]string, count)
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

// Run writes keys-count string keys of data-size bytes plus one large hash
// of hash-fields fields, each hash-field-size bytes. The hash is written
// field by field, split across as many goroutines as there are configured
// connections. Any error here is fatal to the run: later stages assume the
// data exists.
func Run(cfg *config.Config, client *redis.Client, log *logrus.Logger) error {
	if err := client.Ping().Err(); err != nil {
		return fmt.Errorf("target unreachable: %w", err)
	}
	if cfg.FlushBefore {
		if err := client.FlushDB().Err(); err != nil {
			return fmt.Errorf("flushdb: %w", err)
		}
		log.Info("database flushed")
	}

	rng := rand.New(rand.NewSource(42))
	value := randValue(rng, cfg.DataSize)
	for i := 0; i < cfg.KeysCount; i++ {
		if err := client.Set(Key(i), value, 0).Err(); err != nil {
			return fmt.Errorf("set %s: %w", Key(i), err)
		}
	}
	log.Infof("populated %d keys of %d bytes", cfg.KeysCount, cfg.DataSize)

	if err := populateHash(cfg, client); err != nil {
		return err
	}
	log.Infof("populated hash %q with %d fields (~%.2f MB)",
		cfg.HashKey, cfg.HashFields,
		float64(cfg.HashFields)*float64(cfg.HashFieldSize)/(1024*1024))
	return nil
}

// populateHash writes the large hash in parallel, one field range per
// goroutine.
func populateHash(cfg *config.Config, client *redis.Client) error {
	workers := cfg.Connections
	if workers < 1 {
		workers = 1
	}
	perWorker := cfg.HashFields / workers

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		start := i * perWorker
		end := start + perWorker
		if i == workers-1 {
			end = cfg.HashFields
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(start)))
			for f := start; f < end; f++ {
				field := fmt.Sprintf("field-%d", f)
				if err := client.HSet(cfg.HashKey, field, randValue(rng, cfg.HashFieldSize)).Err(); err != nil {
					errCh <- fmt.Errorf("hset %s: %w", field, err)
					return
				}
			}
		}(start, end)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}
