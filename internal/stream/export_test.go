package stream

// Settle waits until every event handed to c has been processed.
func (c *Connection) Settle() { c.queue.wait() }
