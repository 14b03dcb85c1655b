package nsq

// VERSION is the library version sent in the default user agent
const VERSION = "1.0.0"
