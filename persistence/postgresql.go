// persistence/postgresql.go
package persistence

import (
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
)

const notifyChannel = "crawlparty_changes"

// installTriggers makes every table announce committed changes on
// notifyChannel with the table name as payload.
func installTriggers(db *gorm.DB) error {
	err := db.Exec(fmt.Sprintf(`
        CREATE OR REPLACE FUNCTION crawlparty_notify() RETURNS trigger AS $$
        BEGIN
            PERFORM pg_notify('%s', TG_TABLE_NAME);
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql
    `, notifyChannel)).Error
	if err != nil {
		return err
	}

	for _, table := range models.Tables {
		if err := db.Exec(fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, table, table)).Error; err != nil {
			return err
		}
		err := db.Exec(fmt.Sprintf(`
            CREATE TRIGGER %s_notify
            AFTER INSERT OR UPDATE OR DELETE ON %s
            FOR EACH STATEMENT EXECUTE FUNCTION crawlparty_notify()
        `, table, table)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// Notifier turns Postgres notifications into subscriber callbacks.
type Notifier struct {
	listener  *pq.Listener
	hub       *hub
	closeChan chan struct{}
	closeOnce sync.Once
}

func NewNotifier(dsn string, h *hub) (*Notifier, error) {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Log.Warnf("notify listener event %d: %v", ev, err)
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, err
	}

	n := &Notifier{
		listener:  listener,
		hub:       h,
		closeChan: make(chan struct{}),
	}
	go n.loop()
	return n, nil
}

func (n *Notifier) loop() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case note := <-n.listener.Notify:
			if note == nil {
				// reconnected; anything may have changed meanwhile
				n.hub.notifyAll()
				continue
			}
			n.hub.notify(note.Extra)
		case <-ping.C:
			if err := n.listener.Ping(); err != nil {
				logger.Log.Warnf("notify listener ping: %v", err)
			}
		case <-n.closeChan:
			return
		}
	}
}

func (n *Notifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closeChan)
		err = n.listener.Close()
	})
	return err
}
