package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-io/requests"
)

var (
	broker   = flag.String("broker", "tcp://127.0.0.1:1883", "broker address")
	conns    = flag.Int("conns", 100, "number of simulated clients")
	qos      = flag.Int("qos", 0, "publish/subscribe QoS (0, 1 or 2)")
	interval = flag.Duration("interval", time.Second, "publish interval per client")
	clean    = flag.Bool("clean", true, "clean session on connect; false exercises broker-side session persistence")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	group := sync.WaitGroup{}
	for i := 0; i < *conns; i++ {
		i := i
		group.Add(1)
		go func() {
			defer group.Done()
			run(i)
		}()
	}
	group.Wait()
}

func onMessageReceived(client paho_mqtt.Client, message paho_mqtt.Message) {
	log.Printf("topic:%s, msg:%s", message.Topic(), message.Payload())
}

// run drives one simulated client: connect, subscribe to every topic, then
// publish on its own topic every interval. With -clean=false every client
// reconnects under the same id, which exercises the broker's session
// takeover and session-expiry persistence path instead of a fresh session
// each time.
func run(i int) {
	id := fmt.Sprintf("bench-%02d-%s", i, requests.GenId())
	q := byte(*qos)

	connOpts := paho_mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID(id).
		SetCleanSession(*clean).
		SetAutoReconnect(false)

	client := paho_mqtt.NewClient(connOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("client %s: connect failed: %v", id, token.Error())
		return
	}
	log.Printf("client %s connected to %s", id, *broker)

	if token := client.Subscribe("+", q, onMessageReceived); token.Wait() && token.Error() != nil {
		log.Printf("client %s: subscribe failed: %v", id, token.Error())
		return
	}

	topic := fmt.Sprintf("topic_%02d", i)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for range ticker.C {
		payload := fmt.Sprintf("bench:%s@%s", id, time.Now().Format(time.RFC3339Nano))
		if t := client.Publish(topic, q, false, payload); t.Wait() && t.Error() != nil {
			log.Printf("client %s: publish failed: %v", id, t.Error())
			return
		}
	}
}
