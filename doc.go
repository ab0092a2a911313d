/*
Package bedrockdb implements a key/value store whose blocks use the
compression scheme of the LevelDB variant shipped with the mobile/console
edition of a popular sandbox game. Unlike upstream LevelDB, every block
carries a one-byte compressor identifier which is resolved through a Registry
of codecs when the block is read:

    0 - no compression
    2 - zlib (RFC 1950)
    4 - raw deflate (RFC 1951), the default for new blocks

Identifiers are not self-describing. A database stays readable only as long
as every process opening it binds each identifier ever written to the same
algorithm. Blocks which do not shrink under the configured codec are stored
raw with identifier 0, so 0 must always be bound.

Only the per-block compressor identifier and checksum trailer follow the game
format. The table index, the footer and its magic, the journal and the
kind-prefixed values are specific to this package, so world files written by
the game cannot be opened here and files written here cannot be loaded by the
game.

Data Structure Documentation

Table

A table contains a series of data blocks followed by an index and
a table footer.

    Table layout:
    +---------+---------+---------+-------------+--------------+
    | block 1 |   ...   | block n | block index | table footer |
    +---------+---------+---------+-------------+--------------+

    Block index:
    +---------------------------+-----------------+---------+-----------------+
    | first key length (varint) | first key (var) | entry 1 |  ...  | entry n |
    +---------------------------+-----------------+---------+-----------------+

    Block index entry (keys prefix-compressed against the previous entry):
    +-----------------+-------------------+-----------------------+--------------------------+
    | shared (varint) | unshared (varint) | offset delta (varint) | last key suffix (varlen) |
    +-----------------+-------------------+-----------------------+--------------------------+

    Table footer:
    +------------------------+------------------+
    | index offset (8 bytes) |  magic (8 bytes) |
    +------------------------+------------------+

Block

A block comprises of a series of sections, followed by a section index.
The whole is encoded by the selected codec and followed by a trailer.

    Block layout:
    +-----------+---------+-----------+---------------+
    | section 1 |   ...   | section n | section index |
    +-----------+---------+-----------+---------------+

    Section index:
    +----------------------------+-------+----------------------------+-------------------------------+
    | section offset 2 (4 bytes) |  ...  | section offset n (4 bytes) |  number of sections (4 bytes) |
    +----------------------------+-------+----------------------------+-------------------------------+

    Stored block:
    +-------------------+-------------------------+-----------------------------+
    | payload (encoded) | compressor id (1 byte)  | masked crc32c (4 bytes, LE) |
    +-------------------+-------------------------+-----------------------------+

Section

A section is a series of key/value pairs where the first key is stored in full while
subsequent keys share a prefix with their predecessor.

    +-----------------+-------------------+--------------------+--------------------+------------------+-------+
    | shared (varint) | unshared (varint) | value len (varint) | key suffix (varlen) | value (varlen)  |  ...  |
    +-----------------+-------------------+--------------------+--------------------+------------------+-------+

Database

A database directory holds tables (NNNNNN.ldb) and a journal (NNNNNN.log)
of writes not yet flushed to a table. Values are prefixed with a kind
byte, 1 for a value and 0 for a deletion.
*/
package bedrockdb
