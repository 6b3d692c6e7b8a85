package bus

import "fmt"

// Exchange names. All are durable topic exchanges.
const (
	ExchangeScraping  = "scraping"
	ExchangeAlerts    = "alerts"
	ExchangePriceData = "price-data"
)

// Queue names, each bound to its exchange with a routing key equal to
// the queue name. DeadLetterQueue is unbound; messages reach it through
// the default exchange.
const (
	QueueScrapeCommand      = "scrape-command"
	QueueScrapingResult     = "scraping-result"
	QueueRawPriceData       = "raw-price-data"
	QueuePricePointRecorded = "price-point-recorded"
	QueueAlertTriggered     = "alert-triggered"
	DeadLetterQueue         = "dead-letter"
)

// Message type tags carried in the envelope.
const (
	TypeScrapeCommand       = "ScrapeCommand"
	TypeScrapeResult        = "ScrapeResult"
	TypePricePointEvent     = "PricePointEvent"
	TypeAlertTriggeredEvent = "AlertTriggeredEvent"
)

var bindings = []struct {
	exchange string
	queue    string
}{
	{ExchangeScraping, QueueScrapeCommand},
	{ExchangeScraping, QueueScrapingResult},
	{ExchangePriceData, QueueRawPriceData},
	{ExchangePriceData, QueuePricePointRecorded},
	{ExchangeAlerts, QueueAlertTriggered},
}

// DeclareTopology declares all exchanges, queues, and bindings. It is
// idempotent and must run once at startup before publishing or consuming.
func (b *Bus) DeclareTopology() error {
	for _, ex := range []string{ExchangeScraping, ExchangeAlerts, ExchangePriceData} {
		if err := b.ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	for _, bind := range bindings {
		if _, err := b.ch.QueueDeclare(bind.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", bind.queue, err)
		}
		if err := b.ch.QueueBind(bind.queue, bind.queue, bind.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", bind.queue, bind.exchange, err)
		}
	}

	if _, err := b.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	return nil
}
