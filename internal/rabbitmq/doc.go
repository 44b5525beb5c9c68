// Package rabbitmq owns the AMQP connection used by the watch transport.
//
// ConnectionManager dials RabbitMQ, hands out channels on the live
// connection and reconnects with exponential backoff when the broker closes
// it. Dial attempts go through a circuit breaker so that a broker that keeps
// refusing connections is not hammered; while the breaker is open dials fail
// fast with gobreaker.ErrOpenState. Connection state changes are reported to
// ConnectionStateListeners.
package rabbitmq
