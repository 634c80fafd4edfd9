// Package mqtt is the control-plane transport used by the pub/sub pod
// connection: a thin client over eclipse/paho.golang with automatic
// resubscription, a topic-pattern ServeMux, and an embedded broker
// (mochi-mqtt) for tests and local development.
//
// A pod typically subscribes to its reply topic and publishes hellos and
// hints to its publish topic:
//
//	mux := mqtt.NewServeMux()
//	mux.HandleFunc("pods/p1/reply", onControl)
//	conn, err := (&mqtt.Dialer{ServeMux: mux}).Dial(ctx, "mqtts://broker:8883")
//	...
//	conn.Subscribe(ctx, "pods/p1/reply", mqtt.AutoResubscribe{})
//	conn.WriteToTopic(ctx, payload, "pods/p1/publish")
package mqtt
