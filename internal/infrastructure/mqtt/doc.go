// Package mqtt is the broker transport between the core and locker
// hardware.
//
// Every locker owns a topic subtree under a configurable prefix:
//
//	{prefix}/{locker_id}/status                     device -> core, status reports
//	{prefix}/{locker_id}/command/{action}/{box_id}  core -> device
//	{prefix}/{locker_id}/request/{name}             core -> device
//	{prefix}/{locker_id}/response/{name}            device -> core, correlated by requestId
//
// The core itself publishes a retained online/offline document on
// {system}/status and arms the same topic as its Last Will.
//
// Delivery is at-least-once at best and unordered across topics. The
// client does not deduplicate; the reconciler and dispatcher do.
//
// # Reconnection
//
// paho reconnects on its own. The client remembers every Subscribe call and
// replays them on each new session, so subscribers are unaware of
// connection churn.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllLockerStatus(), 1, reconciler.HandleStatus)
package mqtt
