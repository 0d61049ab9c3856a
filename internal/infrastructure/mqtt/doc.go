// Package mqtt provides the broker connection for systemctl-mqtt.
//
// This package manages:
//   - Connection to the broker with auto-reconnect (TLS by default)
//   - Message publishing with QoS and retain flags
//   - Topic subscriptions, restored after every reconnect
//   - Availability on <prefix>/status: retained "online" on connect,
//     "offline" as Last Will and on graceful close
//
// # Topic layout
//
//	<prefix>/status                                 online | offline (retained)
//	<prefix>/poweroff                               command
//	<prefix>/reboot                                 command
//	<prefix>/suspend                                command
//	<prefix>/lock-all-sessions                      command
//	<prefix>/preparing-for-shutdown                 true | false (retained)
//	<prefix>/unit/system/<unit>/active-state        active state (retained)
//	<prefix>/unit/system/<unit>/{start,stop,restart} command
//
// The prefix defaults to systemctl/<hostname>.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().Join(mqtt.SuffixPoweroff), 1, func(msg mqtt.Message) error {
//	    if msg.Retained {
//	        return nil
//	    }
//	    return schedulePoweroff()
//	})
package mqtt
