/*
Package transcoder turns schema registry framed Avro messages into JSON messages.

Every input value carries the id of its writer schema in a five byte header. The id is
resolved through a Confluent compatible schema registry, the body is decoded with that
schema and rendered as JSON. Keys and the message timestamp are carried over.

	╔════════════════════╤════════════════════╤══════════════════════╗
	║ magic byte(1 byte) │ schema id(4 bytes) │ AVRO encoded message ║
	╚════════════════════╧════════════════════╧══════════════════════╝

# Features
  - Schemas are fetched once per id and cached, concurrent lookups of an id share one registry call
  - Optional cache warm up from the registry's kafka storage topic
  - Record fields keep schema order and map entries keep wire order in the JSON output
  - Failures are classified (see Kind) so callers can retry, dead letter or stop

The pipeline package runs a Transcoder between kafka topics.

Schema registry API : https://docs.confluent.io/platform/current/schema-registry/develop/api.html

Avro: http://avro.apache.org/docs/current/
*/
package transcoder
