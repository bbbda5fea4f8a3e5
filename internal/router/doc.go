// Package router owns the single broker connection and the discovery protocol.
//
// Devices announce their id on /devices. The router creates a registry
// record for unknown ids, subscribes to the device's whole subtree and
// answers with an empty publish on /{id} - the registration ack the
// firmware waits for. Known ids get the subscription and ack again, since
// devices re-announce after every reconnect.
//
// All other traffic is demultiplexed by id to the owning device record.
// Failures stay local: an unknown device, an unknown subtopic or a
// malformed payload is logged and dropped, never allowed to take the
// router down.
//
// On every (re)connect the router re-subscribes all known subtrees and
// re-emits deviceAdded for each record, so the notification engine and
// status aggregator re-attach their listeners after a broker restart.
package router
